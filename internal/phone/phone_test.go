package phone

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCallAPI struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeCallAPI) CreateCall(_ *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	sid := "CA123"
	return &twilioApi.ApiV2010Call{Sid: &sid}, nil
}

func TestDialerRetriesThenSucceeds(t *testing.T) {
	api := &fakeCallAPI{errs: []error{errors.New("503"), nil}}
	d := &Dialer{api: api, fromNumber: "+15550001111", maxAttempts: 3, backoff: time.Millisecond}

	sid, err := d.Dial(context.Background(), "+15552223333", "https://example.com/twilio/voice")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if sid != "CA123" {
		t.Errorf("sid = %q", sid)
	}
	if api.calls != 2 {
		t.Errorf("CreateCall called %d times, want 2", api.calls)
	}
}

func TestDialerExhaustsAttempts(t *testing.T) {
	api := &fakeCallAPI{errs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}
	d := &Dialer{api: api, fromNumber: "+15550001111", maxAttempts: 3, backoff: time.Millisecond}

	if _, err := d.Dial(context.Background(), "+15552223333", "https://example.com/twilio/voice"); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if api.calls != 3 {
		t.Errorf("CreateCall called %d times, want 3", api.calls)
	}
}

func TestDialerRequiresFromNumber(t *testing.T) {
	d := &Dialer{api: &fakeCallAPI{}, maxAttempts: 1}
	if _, err := d.Dial(context.Background(), "+15552223333", "https://example.com/twilio/voice"); err == nil {
		t.Fatal("expected error for missing from number")
	}
}

type capturePlacer struct {
	to, webhook string
	err         error
}

func (p *capturePlacer) Dial(_ context.Context, toNumber, voiceWebhookURL string) (string, error) {
	p.to, p.webhook = toNumber, voiceWebhookURL
	if p.err != nil {
		return "", p.err
	}
	return "CA777", nil
}

func TestHandleDialPlacesCallAtVoiceWebhook(t *testing.T) {
	placer := &capturePlacer{}
	svc := NewService("AC1", "token", "https://interviews.example.com", &uploadCapture{}, placer)
	e := echo.New()
	e.POST("/phone/dial", svc.HandleDial)

	req := httptest.NewRequest(http.MethodPost, "/phone/dial", strings.NewReader(`{"to":"+15552223333"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "CA777") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if placer.to != "+15552223333" {
		t.Errorf("dialed %q", placer.to)
	}
	if placer.webhook != "https://interviews.example.com/twilio/voice" {
		t.Errorf("voice webhook = %q", placer.webhook)
	}
}

func TestHandleDialRejectsMissingNumber(t *testing.T) {
	svc := NewService("AC1", "token", "", &uploadCapture{}, &capturePlacer{})
	e := echo.New()
	e.POST("/phone/dial", svc.HandleDial)

	req := httptest.NewRequest(http.MethodPost, "/phone/dial", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleDialWithoutDialerIsUnavailable(t *testing.T) {
	svc := NewService("AC1", "token", "", &uploadCapture{}, nil)
	e := echo.New()
	e.POST("/phone/dial", svc.HandleDial)

	req := httptest.NewRequest(http.MethodPost, "/phone/dial", strings.NewReader(`{"to":"+15552223333"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

// signRequest computes a valid Twilio signature for the given URL and form.
func signRequest(authToken, fullURL string, form url.Values) string {
	data := fullURL
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestAuthRejectsBadSignature(t *testing.T) {
	e := echo.New()
	e.POST("/twilio/voice", func(c echo.Context) error { return c.String(http.StatusOK, "OK") }, Auth(func() string { return "token" }))

	form := url.Values{"CallSid": {"CA1"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Header.Set("X-Twilio-Signature", "bogus")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthAcceptsValidSignatureAndParksParams(t *testing.T) {
	e := echo.New()
	var gotCallSID string
	e.POST("/twilio/voice", func(c echo.Context) error {
		gotCallSID = twilioParams(c)["CallSid"]
		return c.String(http.StatusOK, "OK")
	}, Auth(func() string { return "token" }))

	form := url.Values{"CallSid": {"CA1"}, "From": {"+15550001111"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader(form.Encode()))
	req.Host = "example.com"
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Header.Set("X-Twilio-Signature", signRequest("token", "https://example.com/twilio/voice", form))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if gotCallSID != "CA1" {
		t.Errorf("CallSid = %q", gotCallSID)
	}
}

func TestAuthIgnoresNonTwilioPaths(t *testing.T) {
	e := echo.New()
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") }, Auth(func() string { return "token" }))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

type uploadCapture struct {
	mu   sync.Mutex
	keys []string
}

func (u *uploadCapture) Upload(_ context.Context, key, _ string, _ []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	return nil
}

func TestHandleVoiceReturnsRecordTwiML(t *testing.T) {
	svc := NewService("AC1", "token", "https://interviews.example.com", &uploadCapture{}, nil)
	e := echo.New()
	svc.RegisterHandlers(e)

	form := url.Values{"CallSid": {"CA1"}, "From": {"+15550001111"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader(form.Encode()))
	req.Host = "example.com"
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Header.Set("X-Twilio-Signature", signRequest("token", "https://example.com/twilio/voice", form))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Record") {
		t.Errorf("expected Record verb in TwiML, got %s", body)
	}
	if !strings.Contains(body, "https://interviews.example.com/twilio/recording-status") {
		t.Errorf("expected configured base URL in callback, got %s", body)
	}
}

func TestRecordingStatusArchivesCompletedRecording(t *testing.T) {
	recordingSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("RIFFwav-bytes"))
	}))
	defer recordingSrv.Close()

	store := &uploadCapture{}
	svc := NewService("AC1", "token", "", store, nil)
	e := echo.New()
	svc.RegisterHandlers(e)

	form := url.Values{
		"RecordingStatus": {"completed"},
		"RecordingSid":    {"RE1"},
		"RecordingUrl":    {recordingSrv.URL + "/rec"},
	}
	req := httptest.NewRequest(http.MethodPost, "/twilio/recording-status", strings.NewReader(form.Encode()))
	req.Host = "example.com"
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Header.Set("X-Twilio-Signature", signRequest("token", "https://example.com/twilio/recording-status", form))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.keys)
		store.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recording was not uploaded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	store.mu.Lock()
	key := store.keys[0]
	store.mu.Unlock()
	if !strings.HasPrefix(key, "recordings/recording_RE1_") {
		t.Errorf("upload key = %q", key)
	}
}
