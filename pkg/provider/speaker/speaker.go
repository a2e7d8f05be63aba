// Package speaker provides an HTTP client for the speaker-recognition
// service. The service diarizes a recording, matches diarized segments
// against enrolled voice profiles, and manages profile enrollment.
//
// Two identification entry points exist. DiarizeIdentifyMatch is the primary
// one: it uploads the recording together with the transcript's word timings so
// the service can align diarized turns with transcribed words. DiarizeAndIdentify
// is the audio-only fallback used when no word timings are available.
package speaker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/chroniclehq/chronicle/pkg/types"
)

const (
	// Identification time scales with recording length. The request timeout
	// grows with audio duration and is capped at ten minutes.
	baseTimeout       = 30 * time.Second
	timeoutPerSecond  = 8 * time.Second
	maxRequestTimeout = 600 * time.Second
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. The per-request
// timeout is applied through the request context, so the supplied client
// should not set its own Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithUserID sets the user whose enrolled profiles identification runs
// against. Sent as a query parameter on every identification request.
func WithUserID(userID string) Option {
	return func(c *Client) {
		c.userID = userID
	}
}

// Client talks to the speaker-recognition service. Safe for concurrent use.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// New creates a Client for the service at baseURL (e.g. "http://speaker:8085").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("speaker: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// IdentifiedSegment is one diarized turn with its matched speaker, if any.
type IdentifiedSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text,omitempty"`
	Speaker    string  `json:"speaker"`
	Identified bool    `json:"identified"`
	Confidence float64 `json:"confidence"`
}

// IdentifyResult is the service's response for both identification endpoints.
type IdentifyResult struct {
	Segments []IdentifiedSegment `json:"segments"`
	// Speakers maps diarization labels to identified names for labels the
	// service could match.
	Speakers map[string]string `json:"speakers"`
}

// Profile describes one enrolled voice profile.
type Profile struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Duration float64 `json:"duration_seconds"`
}

// Identification is the single-window result used by the streaming consumer's
// per-utterance speaker check.
type Identification struct {
	Speaker    string  `json:"speaker"`
	Confidence float64 `json:"confidence"`
}

// requestTimeout derives the per-request timeout from the audio duration.
func requestTimeout(audioSeconds float64) time.Duration {
	t := baseTimeout + time.Duration(audioSeconds*float64(timeoutPerSecond))
	if t > maxRequestTimeout {
		t = maxRequestTimeout
	}
	return t
}

// wavDurationSeconds reads the duration from a WAV header, defaulting to zero
// on anything unparseable so the base timeout still applies.
func wavDurationSeconds(wav []byte) float64 {
	if len(wav) < 44 {
		return 0
	}
	// byte rate lives at offset 28 in the fmt chunk
	byteRate := int(wav[28]) | int(wav[29])<<8 | int(wav[30])<<16 | int(wav[31])<<24
	if byteRate <= 0 {
		return 0
	}
	return float64(len(wav)-44) / float64(byteRate)
}

// DiarizeIdentifyMatch uploads a WAV recording with the transcript's word
// timings. The service diarizes the audio, aligns turns against the words, and
// matches each turn to enrolled profiles.
func (c *Client) DiarizeIdentifyMatch(ctx context.Context, wav []byte, words []types.Word) (*IdentifyResult, error) {
	wordsJSON, err := json.Marshal(words)
	if err != nil {
		return nil, fmt.Errorf("speaker: marshal words: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("speaker: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("speaker: write wav data: %w", err)
	}
	if err := mw.WriteField("words", string(wordsJSON)); err != nil {
		return nil, fmt.Errorf("speaker: write words field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("speaker: close multipart writer: %w", err)
	}

	var result IdentifyResult
	if err := c.post(ctx, "/v1/diarize-identify-match", &body, mw.FormDataContentType(), wavDurationSeconds(wav), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DiarizeAndIdentify uploads a WAV recording without transcript alignment.
// Used when the transcript carries no word timings.
func (c *Client) DiarizeAndIdentify(ctx context.Context, wav []byte) (*IdentifyResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("speaker: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("speaker: write wav data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("speaker: close multipart writer: %w", err)
	}

	var result IdentifyResult
	if err := c.post(ctx, "/v1/diarize-and-identify", &body, mw.FormDataContentType(), wavDurationSeconds(wav), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Identify matches a short audio window against enrolled profiles. The
// streaming consumer calls this per final utterance when speaker gating is on.
func (c *Client) Identify(ctx context.Context, wav []byte) (*Identification, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("speaker: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("speaker: write wav data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("speaker: close multipart writer: %w", err)
	}

	var result Identification
	if err := c.post(ctx, "/v1/identify", &body, mw.FormDataContentType(), wavDurationSeconds(wav), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Speakers lists the enrolled voice profiles.
func (c *Client) Speakers(ctx context.Context) ([]Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, baseTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/v1/speakers"), nil)
	if err != nil {
		return nil, fmt.Errorf("speaker: create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speaker: http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("speaker: server returned HTTP %d", resp.StatusCode)
	}
	var result struct {
		Speakers []Profile `json:"speakers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("speaker: parse response: %w", err)
	}
	return result.Speakers, nil
}

// EnrollUpload creates a new voice profile named name from a WAV sample.
func (c *Client) EnrollUpload(ctx context.Context, name string, wav []byte) (*Profile, error) {
	return c.enroll(ctx, "/v1/enroll/upload", name, wav)
}

// EnrollAppend adds a WAV sample to an existing profile, improving match
// quality for that speaker.
func (c *Client) EnrollAppend(ctx context.Context, name string, wav []byte) (*Profile, error) {
	return c.enroll(ctx, "/v1/enroll/append", name, wav)
}

func (c *Client) enroll(ctx context.Context, path, name string, wav []byte) (*Profile, error) {
	if name == "" {
		return nil, errors.New("speaker: profile name must not be empty")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("speaker: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("speaker: write wav data: %w", err)
	}
	if err := mw.WriteField("name", name); err != nil {
		return nil, fmt.Errorf("speaker: write name field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("speaker: close multipart writer: %w", err)
	}

	var result Profile
	if err := c.post(ctx, path, &body, mw.FormDataContentType(), wavDurationSeconds(wav), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// post performs a multipart POST with the duration-scaled timeout and decodes
// the JSON response into out.
func (c *Client) post(ctx context.Context, path string, body io.Reader, contentType string, audioSeconds float64, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout(audioSeconds))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), body)
	if err != nil {
		return fmt.Errorf("speaker: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("speaker: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("speaker: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("speaker: parse response: %w", err)
	}
	return nil
}

// endpoint joins path onto the base URL, attaching the user scope when set.
func (c *Client) endpoint(path string) string {
	full := c.baseURL + path
	if c.userID != "" {
		full += "?user_id=" + url.QueryEscape(c.userID)
	}
	return full
}

// MinIdentifyWindow is the shortest audio window worth submitting for
// identification; anything shorter carries too little voice signal.
const MinIdentifyWindow = 100 * time.Millisecond

// WindowSamples returns the sample count for a window duration at rate Hz.
func WindowSamples(d time.Duration, rate int) int {
	return int(d.Seconds() * float64(rate))
}
