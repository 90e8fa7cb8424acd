package mail

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/mailtrack/internal/obs"
	"github.com/noah-isme/mailtrack/internal/token"
)

// pixelGIF is a 1x1 transparent GIF.
var pixelGIF = [...]byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0xff, 0xff,
	0xff, 0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
	0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Pixel returns a copy of the tracking pixel payload.
func Pixel() []byte {
	out := make([]byte, len(pixelGIF))
	copy(out, pixelGIF[:])
	return out
}

// ErrSinkFull is returned by a sink that cannot accept more events right now.
var ErrSinkFull = errors.New("mail: open sink full")

// OpenEvent is a pixel hit captured at request time.
type OpenEvent struct {
	Token string    `json:"token"`
	At    time.Time `json:"at"`
}

// OpenSink accepts open events for recording. Submit must not block on the
// underlying store write.
type OpenSink interface {
	Submit(ctx context.Context, ev OpenEvent) error
}

// PixelHandler serves the tracking pixel. The response is identical for every
// token; recording is a best-effort side channel whose outcome is only logged.
type PixelHandler struct {
	Sink          OpenSink
	Logger        zerolog.Logger
	Now           func() time.Time
	SubmitTimeout time.Duration
}

func (h PixelHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// ServeHTTP writes the pixel and then hands the open event to the sink.
func (h PixelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	at := h.now().UTC()
	tok := chi.URLParam(r, "token")

	headers := w.Header()
	headers.Set("Content-Type", "image/gif")
	headers.Set("Content-Length", strconv.Itoa(len(pixelGIF)))
	headers.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	headers.Set("Pragma", "no-cache")
	headers.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixelGIF[:])
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	h.submit(r.Context(), OpenEvent{Token: tok, At: at})
}

func (h PixelHandler) submit(ctx context.Context, ev OpenEvent) {
	if !token.Valid(ev.Token) {
		obs.CountOpen(obs.OpenMalformed)
		h.Logger.Debug().Str("token", ev.Token).Msg("pixel_malformed_token")
		return
	}
	if h.Sink == nil {
		obs.CountOpen(obs.OpenFailed)
		h.Logger.Warn().Msg("pixel_sink_not_configured")
		return
	}
	timeout := h.SubmitTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := h.Sink.Submit(ctx, ev); err != nil {
		if errors.Is(err, ErrSinkFull) {
			obs.CountOpen(obs.OpenDropped)
			if obs.OpenSinkDropped != nil {
				obs.OpenSinkDropped.Inc()
			}
		} else {
			obs.CountOpen(obs.OpenFailed)
		}
		h.Logger.Warn().Err(err).Str("token", ev.Token).Msg("pixel_submit_failed")
	}
}
