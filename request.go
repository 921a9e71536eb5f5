package llmtap

import (
	"context"
	"fmt"
	"net/http"
)

func (p *Proxy) createRequest(ctx context.Context, originReq *http.Request, ex *Exchange, in *inspector) (*http.Request, error) {
	newReq := originReq.Clone(ctx)
	newReq.RequestURI = ""

	// Issue 16036: nil Body for http.Transport retries
	if originReq.ContentLength == 0 || newReq.Body == http.NoBody {
		newReq.Body = nil
	}

	if newReq.Body != nil {
		newReq.Body = &observedBody{
			ReadCloser: newReq.Body,
			onChunk: func(chunk []byte) {
				p.metrics.Bytes(string(DirectionRequest), len(chunk))
				if in != nil {
					ex.request.Write(chunk)
				}
			},
			onDone: func() {
				in.body(DirectionRequest, ex.request, ex.RequestHeader)
			},
		}
	}

	// Issue 33142: historical behavior was to always allocate
	if newReq.Header == nil {
		newReq.Header = make(http.Header)
	}

	// Path, query and method go through untouched; only the destination
	// changes.
	newReq.URL.Scheme = p.cfg.TargetScheme()
	newReq.URL.Host = p.cfg.TargetAddr()
	newReq.Host = p.cfg.TargetAddr()

	newReq.Close = false

	upgrade := getUpgradeType(newReq.Header)
	if !isPrint(upgrade) {
		return nil, &HTTPError{http.StatusBadRequest, fmt.Sprintf("unsupported upgrade type: %s", upgrade)}
	}

	cleanRequestHeaders(newReq.Header)
	updateRequestUpgradeHeaders(newReq.Header, upgrade)

	if p.onRequest != nil {
		if err := p.onRequest(newReq); err != nil {
			return nil, err
		}
	}

	return newReq, nil
}
