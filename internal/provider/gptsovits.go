package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/fingerprint"
)

// maxErrorBody bounds how much of a rejection body is kept in the error.
const maxErrorBody = 512

// maxAudioBody caps a successful response. Real clips are a few megabytes.
var maxAudioBody int64 = 256 << 20

type gptSoVITSRequest struct {
	Text              string   `json:"text"`
	TextLang          string   `json:"text_lang"`
	RefAudioPath      string   `json:"ref_audio_path"`
	AuxRefAudioPaths  []string `json:"aux_ref_audio_paths,omitempty"`
	PromptText        string   `json:"prompt_text,omitempty"`
	PromptLang        string   `json:"prompt_lang,omitempty"`
	TopK              int      `json:"top_k"`
	TopP              float64  `json:"top_p"`
	Temperature       float64  `json:"temperature"`
	TextSplitMethod   string   `json:"text_split_method"`
	BatchSize         int      `json:"batch_size"`
	BatchThreshold    float64  `json:"batch_threshold"`
	SplitBucket       bool     `json:"split_bucket"`
	SpeedFactor       float64  `json:"speed_factor"`
	FragmentInterval  float64  `json:"fragment_interval"`
	StreamingMode     bool     `json:"streaming_mode"`
	Seed              int      `json:"seed"`
	ParallelInfer     bool     `json:"parallel_infer"`
	RepetitionPenalty float64  `json:"repetition_penalty"`
	MediaType         string   `json:"media_type"`
}

func (r gptSoVITSRequest) query() url.Values {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	q := url.Values{}
	q.Set("text", r.Text)
	q.Set("text_lang", r.TextLang)
	q.Set("ref_audio_path", r.RefAudioPath)
	for _, p := range r.AuxRefAudioPaths {
		q.Add("aux_ref_audio_paths", p)
	}
	if r.PromptText != "" {
		q.Set("prompt_text", r.PromptText)
	}
	if r.PromptLang != "" {
		q.Set("prompt_lang", r.PromptLang)
	}
	q.Set("top_k", strconv.Itoa(r.TopK))
	q.Set("top_p", f(r.TopP))
	q.Set("temperature", f(r.Temperature))
	q.Set("text_split_method", r.TextSplitMethod)
	q.Set("batch_size", strconv.Itoa(r.BatchSize))
	q.Set("batch_threshold", f(r.BatchThreshold))
	q.Set("split_bucket", strconv.FormatBool(r.SplitBucket))
	q.Set("speed_factor", f(r.SpeedFactor))
	q.Set("fragment_interval", f(r.FragmentInterval))
	q.Set("streaming_mode", strconv.FormatBool(r.StreamingMode))
	q.Set("seed", strconv.Itoa(r.Seed))
	q.Set("parallel_infer", strconv.FormatBool(r.ParallelInfer))
	q.Set("repetition_penalty", f(r.RepetitionPenalty))
	q.Set("media_type", r.MediaType)
	return q
}

// GPTSoVITS talks to a GPT-SoVITS style HTTP inference endpoint.
type GPTSoVITS struct {
	baseURL   string
	method    string
	streaming bool
	client    *http.Client
	log       *slog.Logger
}

// NewGPTSoVITS returns an adapter for baseURL. method is GET (query string)
// or POST (JSON body).
func NewGPTSoVITS(baseURL, method string, streaming bool, log *slog.Logger) *GPTSoVITS {
	return &GPTSoVITS{
		baseURL:   baseURL,
		method:    strings.ToUpper(method),
		streaming: streaming,
		client:    &http.Client{},
		log:       log,
	}
}

func (g *GPTSoVITS) Synthesize(ctx context.Context, text string, p fingerprint.Params) ([]byte, error) {
	body := gptSoVITSRequest{
		Text:              text,
		TextLang:          p.TextLang,
		RefAudioPath:      p.RefAudioPath,
		AuxRefAudioPaths:  p.AuxRefAudioPaths,
		PromptText:        p.PromptText,
		PromptLang:        p.PromptLang,
		TopK:              p.TopK,
		TopP:              p.TopP,
		Temperature:       p.Temperature,
		TextSplitMethod:   p.TextSplitMethod,
		BatchSize:         p.BatchSize,
		BatchThreshold:    p.BatchThreshold,
		SplitBucket:       p.SplitBucket,
		SpeedFactor:       p.SpeedFactor,
		FragmentInterval:  p.FragmentInterval,
		StreamingMode:     g.streaming,
		Seed:              p.Seed,
		ParallelInfer:     p.ParallelInfer,
		RepetitionPenalty: p.RepetitionPenalty,
		MediaType:         p.MediaType,
	}

	req, err := g.buildRequest(ctx, body)
	if err != nil {
		return nil, newError(KindRejected, "build request: %v", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		kind := KindRejected
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			kind = KindUnreachable
		}
		return nil, newError(kind, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBody+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, classifyTransport(ctx, err)
		}
		return nil, newError(KindBadResponse, "read body: %v", err)
	}
	if int64(len(data)) > maxAudioBody {
		return nil, newError(KindBadResponse, "audio body exceeds %d bytes", maxAudioBody)
	}
	if len(data) == 0 {
		return nil, newError(KindBadResponse, "empty audio body")
	}
	g.log.Debug("synthesis response received", slog.Int("bytes", len(data)))
	return data, nil
}

func (g *GPTSoVITS) buildRequest(ctx context.Context, body gptSoVITSRequest) (*http.Request, error) {
	if g.method == http.MethodGet {
		u, err := url.Parse(g.baseURL)
		if err != nil {
			return nil, err
		}
		u.RawQuery = body.query().Encode()
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindUnreachable, Err: fmt.Errorf("transport: %w", err)}
}
