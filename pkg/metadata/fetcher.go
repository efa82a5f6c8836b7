package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const ShowPath = "/api/show"

// ShowFetcher asks the backend's /api/show endpoint for model details.
type ShowFetcher struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
}

var _ Fetcher = (*ShowFetcher)(nil)

func NewShowFetcher(client *http.Client, baseURL string, timeout time.Duration) *ShowFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &ShowFetcher{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}
}

func (f *ShowFetcher) Fetch(ctx context.Context, modelName string) (ModelMetadata, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	// newer backends read "model", older ones "name"
	reqBody, err := json.Marshal(map[string]string{"model": modelName, "name": modelName})
	if err != nil {
		return ModelMetadata{}, fmt.Errorf("marshal show request error: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+ShowPath, bytes.NewReader(reqBody))
	if err != nil {
		return ModelMetadata{}, fmt.Errorf("new request error: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return ModelMetadata{}, fmt.Errorf("show request error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ModelMetadata{}, fmt.Errorf("read show response error: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ModelMetadata{}, unknownModelf("%s", modelName)
	}
	if resp.StatusCode != http.StatusOK {
		return ModelMetadata{}, fmt.Errorf("show returned status %d: %s", resp.StatusCode, string(body))
	}

	md := ModelMetadata{
		ModelName: modelName,
		NCtxTrain: ExtractNCtxTrain(body),
	}
	if !md.Known() {
		logrus.WithContext(ctx).Warnf("[metadata] no trained context size in show response for %s", modelName)
	} else {
		logrus.WithContext(ctx).Debugf("[metadata] %s n_ctx_train=%d", modelName, md.NCtxTrain)
	}
	return md, nil
}
