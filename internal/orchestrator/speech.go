package orchestrator

import (
	"bytes"
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"eva/internal/logging"
)

// MP3CacheSize bounds the synthesized-audio cache.
const MP3CacheSize = 64

// Synthesizer turns text into MP3 bytes. The HTTP implementation talks to a
// local edge-TTS sidecar; tests substitute a fake.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, rate string) ([]byte, error)
}

// HTTPSynthesizer posts {text, voice, rate} to a TTS endpoint and expects
// audio/mpeg bytes back.
type HTTPSynthesizer struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPSynthesizer builds a synthesizer with a bounded request timeout.
func NewHTTPSynthesizer(endpoint string) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Synthesize requests audio for the text.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text, voice, rate string) ([]byte, error) {
	if s.Endpoint == "" {
		return nil, fmt.Errorf("speech endpoint not configured")
	}
	body, err := json.Marshal(map[string]string{"text": text, "voice": voice, "rate": rate})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tts returned status %d: %s", resp.StatusCode, payload)
	}
	return io.ReadAll(resp.Body)
}

// SpeechCacheKey identifies one synthesis result.
func SpeechCacheKey(text, voice, rate string) string {
	sum := sha256.Sum256([]byte(text + "|" + voice + "|" + rate))
	return hex.EncodeToString(sum[:])
}

// MP3Cache is a small LRU of synthesized audio keyed by (text,voice,rate).
type MP3Cache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	items map[string]*list.Element
}

type cacheItem struct {
	key  string
	data []byte
}

// NewMP3Cache builds a cache holding up to max entries.
func NewMP3Cache(max int) *MP3Cache {
	if max <= 0 {
		max = MP3CacheSize
	}
	return &MP3Cache{max: max, order: list.New(), items: map[string]*list.Element{}}
}

// Get returns the cached audio and marks the entry most recently used.
func (c *MP3Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheItem).data, true
}

// Put stores audio, evicting the least recently used entry when full.
func (c *MP3Cache) Put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem).data = data
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cacheItem{key: key, data: data})
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).key)
		logging.SpeechDebug("Evicted oldest TTS cache entry (%d entries)", c.order.Len())
	}
}

// Len reports the entry count.
func (c *MP3Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
