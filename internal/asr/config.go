package asr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Family identifies a recognizer model architecture.
type Family string

const (
	FamilySenseVoice Family = "sense_voice"
	FamilyParaformer Family = "paraformer"
	FamilyTransducer Family = "transducer"
	FamilyWhisper    Family = "whisper"
	FamilyFireRed    Family = "fire_red_asr"
)

// Families lists every supported family.
var Families = []Family{FamilySenseVoice, FamilyParaformer, FamilyTransducer, FamilyWhisper, FamilyFireRed}

// ParseFamily accepts a family name, tolerating dashes and case.
func ParseFamily(s string) (Family, error) {
	norm := Family(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch norm {
	case "sensevoice":
		return FamilySenseVoice, nil
	case "zipformer":
		return FamilyTransducer, nil
	case "firered", "fireredasr":
		return FamilyFireRed, nil
	}
	for _, f := range Families {
		if f == norm {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported backend %q", s)
}

// DefaultModelDirName is the directory under the model root a family's
// release unpacks into.
func DefaultModelDirName(f Family) string {
	switch f {
	case FamilyParaformer:
		return "sherpa-onnx-paraformer-zh-2024-03-09"
	case FamilyTransducer:
		return "sherpa-onnx-zipformer-ja-reazonspeech-2024-08-01"
	case FamilyWhisper:
		return "sherpa-onnx-whisper-turbo"
	case FamilyFireRed:
		return "sherpa-onnx-fire-red-asr-large-zh_en-2025-02-16"
	default:
		return "sherpa-onnx-sense-voice-zh-en-ja-ko-yue-2024-07-17"
	}
}

// Default file names for the optional stages.
const (
	DefaultVADModel       = "silero_vad.onnx"
	DefaultPunctuationDir = "sherpa-onnx-punct-ct-transformer-zh-en-vocab272727-2024-04-12"
)

// ModelFiles are the resolved paths of one recognizer model.
type ModelFiles struct {
	Dir     string
	Model   string // single-file models (SenseVoice, Paraformer)
	Encoder string
	Decoder string
	Joiner  string
	Tokens  string
}

// Locate finds the model files of family f in dir, preferring int8
// quantized variants.
func Locate(f Family, dir string) (ModelFiles, error) {
	files := ModelFiles{Dir: dir}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return files, fmt.Errorf("model directory not found: %s", dir)
	}

	var missing []string
	need := func(target *string, name string, candidates ...string) {
		*target = findModelFile(dir, candidates)
		if *target == "" {
			missing = append(missing, name)
		}
	}

	switch f {
	case FamilySenseVoice, FamilyParaformer:
		need(&files.Model, "model", "model.int8.onnx", "model.onnx")
		need(&files.Tokens, "tokens", "tokens.txt")
	case FamilyTransducer:
		need(&files.Encoder, "encoder",
			"encoder-epoch-99-avg-1.int8.onnx", "encoder.int8.onnx",
			"encoder-epoch-99-avg-1.onnx", "encoder.onnx")
		need(&files.Decoder, "decoder", "decoder-epoch-99-avg-1.onnx", "decoder.onnx")
		need(&files.Joiner, "joiner",
			"joiner-epoch-99-avg-1.int8.onnx", "joiner.int8.onnx",
			"joiner-epoch-99-avg-1.onnx", "joiner.onnx")
		need(&files.Tokens, "tokens", "tokens.txt")
	case FamilyWhisper:
		need(&files.Encoder, "encoder",
			"encoder.int8.onnx", "encoder.onnx",
			"large-v3-encoder.int8.onnx", "large-v3-encoder.onnx",
			"turbo-encoder.int8.onnx", "turbo-encoder.onnx")
		need(&files.Decoder, "decoder",
			"decoder.int8.onnx", "decoder.onnx",
			"large-v3-decoder.int8.onnx", "large-v3-decoder.onnx",
			"turbo-decoder.int8.onnx", "turbo-decoder.onnx")
		need(&files.Tokens, "tokens", "tokens.txt", "large-v3-tokens.txt", "turbo-tokens.txt")
	case FamilyFireRed:
		need(&files.Encoder, "encoder", "encoder.int8.onnx", "encoder.onnx")
		need(&files.Decoder, "decoder", "decoder.int8.onnx", "decoder.onnx")
		need(&files.Tokens, "tokens", "tokens.txt")
	default:
		return files, fmt.Errorf("unsupported backend %q", f)
	}

	if len(missing) > 0 {
		return files, fmt.Errorf("%s model incomplete in %s: missing %s", f, dir, strings.Join(missing, ", "))
	}
	return files, nil
}

// findModelFile searches for a model file in the given directory
// Returns the first matching file path or empty string if not found
func findModelFile(dir string, candidates []string) string {
	for _, candidate := range candidates {
		path := filepath.Join(dir, candidate)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}
