package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/llm-meter/internal/auth"
	"github.com/vnmchuo/llm-meter/internal/billing"
	"github.com/vnmchuo/llm-meter/internal/metrics"
)

const commitTimeout = 5 * time.Second

type AccountResolver interface {
	ResolveRequest(r *http.Request) (*billing.Account, error)
}

// Interceptor wraps every inbound exchange. For billable paths it buffers
// the request body, replays it to the inner handler, tees the response and
// commits the call's usage once the response has been flushed.
type Interceptor struct {
	policy   *Policy
	resolver AccountResolver
	recorder *Recorder
}

func NewInterceptor(policy *Policy, resolver AccountResolver, recorder *Recorder) *Interceptor {
	return &Interceptor{policy: policy, resolver: resolver, recorder: recorder}
}

func (i *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint, ok := i.policy.Billable(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "malformed payload", err.Error())
				return
			}
			writeError(w, http.StatusBadRequest, "malformed payload", err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		var call *Call
		acct, err := i.resolver.ResolveRequest(r)
		if err == nil {
			call = &Call{
				Account:     acct,
				RequestID:   auth.GetRequestID(ctx),
				Endpoint:    r.URL.Path,
				Method:      r.Method,
				RequestBody: body,
			}
			ctx = auth.WithAccount(ctx, acct)
			ctx = WithCall(ctx, call)
		} else {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("metering: caller not resolved, call not metered")
		}

		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(cw, r.WithContext(ctx))
		cw.Flush()

		metrics.BillableCalls.WithLabelValues(endpoint, strconv.Itoa(cw.status)).Inc()
		if call == nil {
			return
		}

		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		defer cancel()
		if err := i.recorder.Commit(commitCtx, call, cw.status, cw.body.Len()); err != nil {
			_, usage, _ := call.Settled()
			metrics.AccountingFailures.Inc()
			log.Error().Err(err).
				Str("account_id", call.Account.ID).
				Str("request_id", call.RequestID).
				Str("endpoint", call.Endpoint).
				Int64("total_tokens", usage.TotalTokens).
				Msg("metering: failed to commit usage")
		}
	})
}

func writeError(w http.ResponseWriter, status int, msg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "detail": detail})
}

// captureWriter tees everything written to the client into body. It never
// alters the bytes or headers the client sees.
type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	if !c.wroteHeader {
		c.status = code
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	n, err := c.ResponseWriter.Write(b)
	c.body.Write(b[:n])
	return n, err
}

func (c *captureWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *captureWriter) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}
