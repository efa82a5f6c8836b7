package composer

import (
	"net/http"
	"net/url"
	"sync"
)

// ProxyClientManager hands out one *http.Client per outbound HTTP proxy so that
// connection pools are shared by every engine talking to the backend.
type ProxyClientManager struct {
	mu            sync.Mutex
	cliMap        map[string]*http.Client
	defaultClient *http.Client
	trWrapper     func(base http.RoundTripper) http.RoundTripper
}

// NewProxyClientManager creates a manager. A non-nil trWrapper wraps every base
// transport, proxied or not.
func NewProxyClientManager(trWrapper func(base http.RoundTripper) http.RoundTripper) *ProxyClientManager {
	pcm := &ProxyClientManager{
		cliMap:    make(map[string]*http.Client),
		trWrapper: trWrapper,
	}
	pcm.defaultClient = pcm.newClient(nil)
	return pcm
}

// GetClient returns the client routed through proxyURL. An empty or unparsable
// proxyURL yields the direct client.
func (pcm *ProxyClientManager) GetClient(proxyURL string) *http.Client {
	if proxyURL == "" {
		return pcm.defaultClient
	}

	u, err := url.Parse(proxyURL)
	if err != nil || u.Host == "" {
		return pcm.defaultClient
	}

	pcm.mu.Lock()
	defer pcm.mu.Unlock()

	if cli, ok := pcm.cliMap[proxyURL]; ok {
		return cli
	}

	cli := pcm.newClient(u)
	pcm.cliMap[proxyURL] = cli
	return cli
}

func (pcm *ProxyClientManager) newClient(proxyURL *url.URL) *http.Client {
	baseTr := http.DefaultTransport.(*http.Transport).Clone()
	// the backend decides compression; passthrough bodies are relayed as they come
	baseTr.DisableCompression = true
	if proxyURL != nil {
		baseTr.Proxy = http.ProxyURL(proxyURL)
	} else {
		baseTr.Proxy = nil
	}

	var tr http.RoundTripper = baseTr
	if pcm.trWrapper != nil {
		tr = pcm.trWrapper(baseTr)
	}

	// no Client.Timeout: per-call deadlines are owned by the forwarder
	return &http.Client{Transport: tr}
}
