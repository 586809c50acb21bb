// Package statusserver はワーカーの状態を読み取り専用の HTTP で公開する
package statusserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"asrworker/internal/dispatch"
	"asrworker/internal/lifecycle"
	"asrworker/internal/storage"
)

// Reporter はワーカーの状態と統計を返す
type Reporter interface {
	Status(ctx context.Context) dispatch.StatusResponse
	Stats() dispatch.StatsResponse
}

// Journal は文字起こし履歴の読み出し口
type Journal interface {
	ListRecent(ctx context.Context, limit int) ([]storage.Transcription, error)
	GetByID(ctx context.Context, id string) (*storage.Transcription, error)
	Totals(ctx context.Context) (int64, float64, error)
}

// Server はステータス用の Echo サーバー
type Server struct {
	e        *echo.Echo
	addr     string
	reporter Reporter
	journal  Journal
	log      *slog.Logger
}

// New は新しい Server を作成。journal が nil なら履歴 API は 404 を返す
func New(addr string, reporter Reporter, journal Journal, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		e:        echo.New(),
		addr:     addr,
		reporter: reporter,
		journal:  journal,
		log:      logger.With("component", "statusserver"),
	}

	// 標準出力はプロトコル専用
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Logger.SetOutput(os.Stderr)

	s.e.Use(middleware.Recover())
	s.e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("http request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	}))

	s.e.GET("/health", s.health)
	s.e.GET("/status", s.status)
	s.e.GET("/stats", s.stats)
	s.e.GET("/transcriptions", s.listTranscriptions)
	s.e.GET("/transcriptions/totals", s.transcriptionTotals)
	s.e.GET("/transcriptions/:id", s.getTranscription)
	return s
}

// Handler はテスト用に http.Handler を返す
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start はサーバーを起動し、Shutdown まで戻らない
func (s *Server) Start() error {
	s.log.Info("status server listening", "addr", s.addr)
	if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown はサーバーを停止する
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// health は死活監視
func (s *Server) health(c echo.Context) error {
	st := s.reporter.Status(c.Request().Context())
	code, status := http.StatusOK, "ok"
	if st.State == lifecycle.StateFailed {
		code, status = http.StatusServiceUnavailable, "failed"
	}
	return c.JSON(code, map[string]any{
		"status":      status,
		"state":       st.State,
		"initialized": st.Initialized,
	})
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.reporter.Status(c.Request().Context()))
}

func (s *Server) stats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.reporter.Stats())
}

// listTranscriptions は最近の文字起こしを返す
func (s *Server) listTranscriptions(c echo.Context) error {
	if s.journal == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "journal disabled"})
	}

	limit := 20
	if l := c.QueryParam("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	rows, err := s.journal.ListRecent(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if rows == nil {
		rows = []storage.Transcription{}
	}
	return c.JSON(http.StatusOK, rows)
}

// getTranscription は ID で文字起こしを返す
func (s *Server) getTranscription(c echo.Context) error {
	if s.journal == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "journal disabled"})
	}

	t, err := s.journal.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if t == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "transcription not found"})
	}
	return c.JSON(http.StatusOK, t)
}

// transcriptionTotals は履歴全体の件数と合計音声長を返す
func (s *Server) transcriptionTotals(c echo.Context) error {
	if s.journal == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "journal disabled"})
	}

	count, total, err := s.journal.Totals(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"transcription_count":  count,
		"total_audio_duration": total,
	})
}
