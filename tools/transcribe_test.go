package tools

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteWAVHeader(t *testing.T) {
	buf := new(bytes.Buffer)
	pcm := []byte{1, 0, 2, 0}

	require.NoError(t, WriteWAV(buf, pcm, 16000))

	out := buf.Bytes()
	require.Len(t, out, 48)
	assert.Equal(t, "RIFF", string(out[0:4]))
	assert.Equal(t, uint32(40), binary.LittleEndian.Uint32(out[4:]))
	assert.Equal(t, "WAVE", string(out[8:12]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(out[24:]))
	assert.Equal(t, uint32(32000), binary.LittleEndian.Uint32(out[28:]))
	assert.Equal(t, "data", string(out[36:40]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(out[40:]))
	assert.Equal(t, pcm, out[44:])
}

func TestHTTPTranscriber(t *testing.T) {
	var (
		gotAuth  string
		gotModel string
		gotAudio []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotModel = r.FormValue("model")
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotAudio, _ = io.ReadAll(f)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"  hello there \n"}`))
	}))
	defer srv.Close()

	tr, err := NewHTTPTranscriber(srv.URL, "sk-test", "whisper-1", 5*time.Second)
	require.NoError(t, err)

	text, err := tr.Transcribe(context.Background(), []byte{1, 0, 2, 0}, 16000)
	require.NoError(t, err)

	assert.Equal(t, "hello there", text)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "whisper-1", gotModel)
	require.Len(t, gotAudio, 48)
	assert.Equal(t, "RIFF", string(gotAudio[:4]))
}

func TestHTTPTranscriberErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTPTranscriber("", "", "", 0)
	assert.Error(t, err)

	tr, err := NewHTTPTranscriber(srv.URL, "", "", time.Second)
	require.NoError(t, err)

	_, err = tr.Transcribe(context.Background(), nil, 16000)
	assert.Error(t, err)

	_, err = tr.Transcribe(context.Background(), []byte{0, 0}, 16000)
	assert.ErrorContains(t, err, "unexpected status code: 500")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Transcribe(ctx, []byte{0, 0}, 16000)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPTranscriberReturnsOnCancel(t *testing.T) {
	unblock := make(chan struct{})
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		select {
		case <-unblock:
		case <-time.After(5 * time.Second):
		}
		_, _ = w.Write([]byte(`{"text":"too late"}`))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(unblock) })

	tr, err := NewHTTPTranscriber(srv.URL, "", "", 10*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-received
		cancel()
	}()

	start := time.Now()
	_, err = tr.Transcribe(ctx, []byte{0, 0}, 16000)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}
