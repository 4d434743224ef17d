package tools

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

// Transcriber turns one utterance of mono PCM16 into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// HTTPTranscriber posts audio to an OpenAI compatible /audio/transcriptions
// endpoint as a multipart WAV upload.
type HTTPTranscriber struct {
	url     string
	apiKey  string
	model   string
	timeout time.Duration
	client  *fasthttp.Client
}

var _ Transcriber = (*HTTPTranscriber)(nil)

func NewHTTPTranscriber(url, apiKey, model string, timeout time.Duration) (*HTTPTranscriber, error) {
	if url == "" {
		return nil, errors.New("transcription url is required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPTranscriber{
		url:     url,
		apiKey:  apiKey,
		model:   model,
		timeout: timeout,
		client: &fasthttp.Client{
			Name:                     "realtime-relay",
			MaxIdleConnDuration:      30 * time.Second,
			NoDefaultUserAgentHeader: true,
		},
	}, nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", errors.New("no audio to transcribe")
	}
	body, contentType, err := t.multipartBody(pcm, sampleRate)
	if err != nil {
		return "", err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	req.SetRequestURI(t.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	req.Header.SetContentType(contentType)
	req.SetBody(body)

	timeout := t.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		release()
		return "", err
	}

	// DoTimeout does not watch ctx. When ctx ends first, req and resp are
	// released only after DoTimeout returns.
	done := make(chan error, 1)
	go func() {
		done <- t.client.DoTimeout(req, resp, timeout)
	}()
	select {
	case <-ctx.Done():
		go func() {
			<-done
			release()
		}()
		return "", ctx.Err()
	case err := <-done:
		defer release()
		if err != nil {
			return "", fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	var out transcriptionResponse
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decoding transcription response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func (t *HTTPTranscriber) multipartBody(pcm []byte, sampleRate int) ([]byte, string, error) {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	fileHeaders := textproto.MIMEHeader{}
	fileHeaders.Set("Content-Disposition", `form-data; name="file"; filename="utterance.wav"`)
	fileHeaders.Set("Content-Type", "audio/wav")
	filePart, err := writer.CreatePart(fileHeaders)
	if err != nil {
		return nil, "", fmt.Errorf("creating file part: %w", err)
	}
	if err := WriteWAV(filePart, pcm, sampleRate); err != nil {
		return nil, "", fmt.Errorf("writing file part: %w", err)
	}
	if t.model != "" {
		if err := writer.WriteField("model", t.model); err != nil {
			return nil, "", fmt.Errorf("writing model part: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart writer: %w", err)
	}
	return body.Bytes(), writer.FormDataContentType(), nil
}

// WriteWAV writes a canonical 44 byte RIFF header for mono PCM16 followed by pcm.
func WriteWAV(w io.Writer, pcm []byte, sampleRate int) error {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	header := make([]byte, 44)
	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], uint32(36+len(pcm)))
	copy(header[8:], "WAVE")
	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1)
	binary.LittleEndian.PutUint16(header[22:], channels)
	binary.LittleEndian.PutUint32(header[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:], channels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(header[34:], bitsPerSample)
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], uint32(len(pcm)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}
