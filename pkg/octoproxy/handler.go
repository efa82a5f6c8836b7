package octoproxy

import (
	"errors"
	"io"
	"net/http"

	"github.com/infinigence/octoproxy/pkg/errutils"
	"github.com/sirupsen/logrus"
)

// response headers that are never copied to the client
var skipResponseHeaders = map[string]bool{
	"Content-Length":    true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
}

// Handler serves every inbound request through engine.
func Handler(engine Engine) http.HandlerFunc {
	return errutils.ErrorHandlingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		u := NewRequest(r)
		defer u.Body.Close()

		resp, err := engine.Process(u)
		if err != nil {
			if r.Context().Err() != nil {
				logrus.WithContext(r.Context()).Infof("[handler] client went away: %v", err)
				return
			}
			logrus.WithContext(r.Context()).Errorf("Do error: %v", err)
			httpErr := &errutils.UpstreamRespError{}
			if errors.As(err, &httpErr) {
				copyHeader(w.Header(), httpErr.Header)
				w.WriteHeader(httpErr.StatusCode)
				w.Write(httpErr.Body)
				return
			}
			if handlerErr := errutils.Classify(err); handlerErr != nil {
				*r = *errutils.WithHandlerError(r, handlerErr)
			}
			return
		}

		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		if resp.Body == nil {
			return
		}
		defer resp.Body.Close()
		rd, err := resp.Body.Reader()
		if err != nil {
			// headers are already out, nothing left but to log
			logrus.WithContext(r.Context()).Errorf("Read body error: %v", err)
			return
		}
		defer rd.Close()
		n, err := copyFlush(w, rd)
		if err != nil {
			logrus.WithContext(r.Context()).Warnf("[handler] response copy stopped after %d bytes: %v", n, err)
			return
		}
		logrus.WithContext(r.Context()).Debugf("[handler] wrote %d bytes, status %d", n, resp.StatusCode)
	})
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		if skipResponseHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// copyFlush copies rd to w and flushes after every write so streamed responses
// reach the client as they arrive.
func copyFlush(w http.ResponseWriter, rd io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		nr, rerr := rd.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
