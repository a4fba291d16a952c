package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voxsynth/internal/api"
	"github.com/book-expert/voxsynth/internal/config"
	"github.com/book-expert/voxsynth/internal/core"
	"github.com/book-expert/voxsynth/internal/health"
	"github.com/book-expert/voxsynth/internal/notify"
	"github.com/book-expert/voxsynth/internal/objectstore"
	"github.com/book-expert/voxsynth/internal/workflow"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("voxsynth-test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	return fs
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	flags, err := parseFlags(newFlagSet(), []string{
		"--audio", "sample.wav",
		"--text", "Hello, world!",
		"--output", "out",
		"--max-tokens", "2048",
		"--temperature", "0.9",
		"--timeout", "2m",
	})
	require.NoError(t, err)

	assert.Equal(t, "sample.wav", flags.audio)
	assert.Equal(t, "Hello, world!", flags.text)
	assert.Equal(t, "out", flags.output)
	assert.Equal(t, 2*time.Minute, flags.timeout)
	require.NotNil(t, flags.params.MaxTokens)
	assert.Equal(t, 2048, *flags.params.MaxTokens)
	require.NotNil(t, flags.params.Temperature)
	assert.InDelta(t, 0.9, *flags.params.Temperature, 1e-9)
	assert.Nil(t, flags.params.CFGScale, "unset parameters stay nil")
	assert.Nil(t, flags.params.TopP)
	assert.Nil(t, flags.params.CFGFilterTopK)
}

func TestParseFlags_InvalidNumber(t *testing.T) {
	t.Parallel()

	_, err := parseFlags(newFlagSet(), []string{"--top-k", "many"})
	require.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		flags   appFlags
		wantErr error
	}{
		{name: "text", flags: appFlags{audio: "a.wav", text: "Hi"}},
		{name: "script file", flags: appFlags{audio: "a.wav", script: "script.txt"}},
		{name: "health needs nothing else", flags: appFlags{health: true}},
		{name: "watch needs nothing else", flags: appFlags{watch: true}},
		{name: "fetch needs nothing else", flags: appFlags{fetch: "abc123"}},
		{name: "modes are exclusive", flags: appFlags{watch: true, fetch: "abc123"}, wantErr: errModesExclusive},
		{name: "missing audio", flags: appFlags{text: "Hi"}, wantErr: errAudioRequired},
		{name: "missing script", flags: appFlags{audio: "a.wav"}, wantErr: errEitherTextScript},
		{
			name:    "both text and script",
			flags:   appFlags{audio: "a.wav", text: "Hi", script: "script.txt"},
			wantErr: errCannotSpecifyBoth,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := validateFlags(testCase.flags)
			if testCase.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, testCase.wantErr)
		})
	}
}

func TestReadScript(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "script.txt")
	require.NoError(t, os.WriteFile(path, []byte("[S1] Hello there.\n"), 0o600))

	script, err := readScript(appFlags{script: path})
	require.NoError(t, err)
	assert.Equal(t, "[S1] Hello there.\n", script)

	_, err = readScript(appFlags{text: "   "})
	require.ErrorIs(t, err, errScriptEmpty)

	_, err = readScript(appFlags{script: filepath.Join(t.TempDir(), "missing.txt")})
	require.Error(t, err)
}

func TestMergeParams(t *testing.T) {
	t.Parallel()

	configuredTokens := 3072
	configuredScale := 3.0
	givenTokens := 1024

	params := mergeParams(
		config.GenerationConfig{MaxTokens: &configuredTokens, CFGScale: &configuredScale},
		core.GenerationParams{MaxTokens: &givenTokens},
	)

	require.NotNil(t, params.MaxTokens)
	assert.Equal(t, 1024, *params.MaxTokens)
	require.NotNil(t, params.CFGScale)
	assert.InDelta(t, 3.0, *params.CFGScale, 1e-9)
	assert.Nil(t, params.Temperature)
}

type staticChecker struct {
	status core.HealthStatus
	err    error
}

func (s staticChecker) Health(context.Context) (core.HealthStatus, error) {
	return s.status, s.err
}

func TestCheckHealth(t *testing.T) {
	t.Parallel()

	device := "cuda"
	modelError := "CUDA out of memory"

	var out bytes.Buffer

	err := checkHealth(context.Background(), staticChecker{
		status: core.HealthStatus{ModelLoaded: true, Device: &device},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "Model: ready on cuda\n", out.String())

	out.Reset()

	err = checkHealth(context.Background(), staticChecker{
		status: core.HealthStatus{ModelStatus: core.ModelStatusFailed, ModelError: &modelError},
	}, &out)
	require.ErrorIs(t, err, errModelFailed)
	assert.Equal(t, "Model: failed: CUDA out of memory\n", out.String())

	err = checkHealth(context.Background(), staticChecker{err: errors.New("refused")}, io.Discard)
	require.Error(t, err)
}

type recordingArchive struct {
	path   string
	output core.Output
}

func (r *recordingArchive) Archive(_ context.Context, path string, output core.Output) (string, error) {
	r.path = path
	r.output = output

	return output.TaskID + ".wav", nil
}

func createBackend(t *testing.T, generate http.HandlerFunc) *api.Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok","model_loaded":true,"model_status":"ready"}`)
	})
	mux.HandleFunc("/api/upload-audio", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"task_id":"abc123","filename":"sample.wav","duration_formatted":"00:12.34s",`+
			`"quality_score":87,"frequency_range":"80Hz-8kHz"}`)
	})
	mux.HandleFunc("/api/generate", generate)
	mux.HandleFunc("/api/download/abc123", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "RIFF-wav")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return api.NewClient(server.URL, 5*time.Second)
}

func createSession(t *testing.T) sessionOptions {
	t.Helper()

	audio := filepath.Join(t.TempDir(), "sample.wav")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF....WAVE"), 0o600))

	return sessionOptions{
		audio:     audio,
		script:    "[S1] Hello there.",
		outputDir: t.TempDir(),
	}
}

func createTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "voxsynth-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func testOptions(client *api.Client, log *logger.Logger) []workflow.Option {
	return []workflow.Option{
		workflow.WithCompletionDelay(10 * time.Millisecond),
		workflow.WithPoller(health.NewPoller(client, log, 10*time.Millisecond, 0)),
	}
}

func TestRunSession(t *testing.T) {
	t.Parallel()

	client := createBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: progress\r\ndata: {\"status\":\"generating\",\"progress\":42,\"stage\":\"Vocoding\"}\r\n\r\n")
		_, _ = io.WriteString(w, "event: complete\r\ndata: {\"task_id\":\"abc123\",\"duration_formatted\":\"00:12.34s\","+
			"\"sample_rate\":24000,\"file_size_bytes\":2345678}\r\n\r\n")
	})
	log := createTestLogger(t)
	session := createSession(t)
	archive := &recordingArchive{}
	session.archive = archive

	var out bytes.Buffer

	path, err := runSession(context.Background(), client, log, session, &out, testOptions(client, log)...)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(session.outputDir, "voxsynth-abc123.wav"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "RIFF-wav", string(data))

	assert.Equal(t, path, archive.path)
	assert.Equal(t, "abc123", archive.output.TaskID)

	printed := out.String()
	assert.Contains(t, printed, "Uploading sample.wav...")
	assert.Contains(t, printed, "Signature VX-ABC123: 00:12.34s, 80Hz-8kHz, quality 87")
	assert.Contains(t, printed, "Generated 00:12.34s (24000 Hz, 2.2 MB)")
	assert.Contains(t, printed, "Saved "+path)
	assert.Contains(t, printed, "Archived as abc123.wav")
}

func TestRunSession_GenerationError(t *testing.T) {
	t.Parallel()

	client := createBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: error\r\ndata: {\"error\":\"CUDA out of memory\"}\r\n\r\n")
	})
	log := createTestLogger(t)

	_, err := runSession(context.Background(), client, log, createSession(t), io.Discard, testOptions(client, log)...)
	require.ErrorIs(t, err, errGenerationFailed)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestRunSession_Timeout(t *testing.T) {
	t.Parallel()

	client := createBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	log := createTestLogger(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := runSession(ctx, client, log, createSession(t), io.Discard, testOptions(client, log)...)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type memoryArchive struct {
	objects  map[string][]byte
	metadata map[string]map[string]string
}

func (m memoryArchive) Download(_ context.Context, key string) ([]byte, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, nats.ErrObjectNotFound
	}

	return data, nil
}

func (m memoryArchive) Metadata(_ context.Context, key string) (map[string]string, error) {
	metadata, ok := m.metadata[key]
	if !ok {
		return nil, nats.ErrObjectNotFound
	}

	return metadata, nil
}

func TestFetchArchived(t *testing.T) {
	t.Parallel()

	archive := memoryArchive{
		objects: map[string][]byte{"abc123.wav": []byte("RIFF-archived")},
		metadata: map[string]map[string]string{"abc123.wav": {
			objectstore.MetaTaskID:            "abc123",
			objectstore.MetaDurationFormatted: "00:12.34s",
			objectstore.MetaSampleRate:        "24000",
			objectstore.MetaFileSizeBytes:     "2345678",
		}},
	}
	dir := filepath.Join(t.TempDir(), "restored")

	var out bytes.Buffer

	path, err := fetchArchived(context.Background(), archive, "abc123", dir, &out)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "voxsynth-abc123.wav"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "RIFF-archived", string(data))

	assert.Contains(t, out.String(), "Restored 00:12.34s (24000 Hz, 2.2 MB)")
	assert.Contains(t, out.String(), "Saved "+path)

	_, err = fetchArchived(context.Background(), archive, "missing", dir, io.Discard)
	require.ErrorIs(t, err, nats.ErrObjectNotFound)
	assert.NoFileExists(t, filepath.Join(dir, "voxsynth-missing.wav"))
}

func TestDescribeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event core.SessionEvent
		want  string
	}{
		{
			name:  "transition",
			event: core.SessionEvent{Header: notify.NewHeader("wf-1"), From: "idle", To: "audio-selected"},
			want:  "session wf-1 idle -> audio-selected",
		},
		{
			name: "progress",
			event: core.SessionEvent{
				Header: notify.NewHeader("wf-1"), From: "generating", To: "generating", TaskID: "abc123", Progress: 41.6,
			},
			want: "session wf-1 generating -> generating task abc123 42%",
		},
		{
			name: "error",
			event: core.SessionEvent{
				Header: notify.NewHeader("wf-1"), From: "generating", To: "scripted", ErrorMessage: "CUDA out of memory",
			},
			want: "session wf-1 generating -> scripted error: CUDA out of memory",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.want, describeEvent(testCase.event))
		})
	}
}

// lockedBuffer is written from the NATS delivery goroutine and read by the
// test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.buf.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.buf.String()
}

func TestWatchSessions(t *testing.T) {
	t.Parallel()

	opts := test.DefaultTestOptions
	opts.Port = -1
	natsServer := test.RunServer(&opts)
	t.Cleanup(natsServer.Shutdown)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)
	t.Cleanup(natsConnection.Close)

	log := createTestLogger(t)

	publisher, err := notify.NewNatsPublisher(natsConnection, "voxsynth.session", log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := &lockedBuffer{}
	done := make(chan error, 1)

	go func() {
		done <- watchSessions(ctx, natsConnection, "voxsynth.session", log, out)
	}()

	require.Eventually(t, func() bool {
		_ = natsConnection.Flush()

		publishErr := publisher.Publish(context.Background(), core.SessionEvent{
			Header: notify.NewHeader("wf-7"),
			From:   "uploading",
			To:     "analyzed",
			TaskID: "abc123",
		})
		if publishErr != nil {
			return false
		}

		_ = natsConnection.Flush()

		return strings.Contains(out.String(), "session wf-7 uploading -> analyzed task abc123")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, strings.HasPrefix(out.String(), "Watching sessions on voxsynth.session.>\n"))
}
