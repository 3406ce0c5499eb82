package phone

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/twiml"
)

// Uploader archives call recordings.
type Uploader interface {
	Upload(ctx context.Context, objectKey string, contentType string, body []byte) error
}

// CallPlacer places outbound calls. The Dialer satisfies it.
type CallPlacer interface {
	Dial(ctx context.Context, toNumber, voiceWebhookURL string) (string, error)
}

// Service handles the Twilio webhook side of a phone screen.
type Service struct {
	accountSID string
	authToken  string
	baseURL    string
	storage    Uploader
	dialer     CallPlacer
	httpClient *http.Client
}

// NewService builds the webhook service. baseURL, when set, overrides
// request-derived callback URLs (needed behind tunnels and proxies).
func NewService(accountSID, authToken, baseURL string, storage Uploader, dialer CallPlacer) *Service {
	return &Service{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    strings.TrimRight(baseURL, "/"),
		storage:    storage,
		dialer:     dialer,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// RegisterHandlers mounts the webhook routes behind signature validation.
func (s *Service) RegisterHandlers(e *echo.Echo) {
	auth := Auth(func() string { return s.authToken })
	e.POST("/twilio/voice", s.handleVoice, auth)
	e.POST("/twilio/recording-status", s.handleRecordingStatus, auth)
	e.POST("/twilio/recording-complete", s.handleRecordingComplete, auth)
}

// HandleDial places an outbound screen call to the candidate and points
// Twilio at the voice webhook. The caller mounts it behind the operator
// auth check; Twilio signature validation does not apply here.
func (s *Service) HandleDial(c echo.Context) error {
	if s.dialer == nil {
		return c.String(http.StatusServiceUnavailable, "outbound dialing not configured")
	}
	var req struct {
		To string `json:"to"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.To) == "" {
		return c.String(http.StatusBadRequest, "missing destination number")
	}
	sid, err := s.dialer.Dial(c.Request().Context(), req.To, s.absoluteURL(c, "/twilio/voice"))
	if err != nil {
		log.Printf("outbound dial to %s failed: %v", req.To, err)
		return c.String(http.StatusBadGateway, "dial failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"call_sid": sid})
}

// handleVoice answers the call: greet the candidate and record the screen,
// with status callbacks pointed back at this service.
func (s *Service) handleVoice(c echo.Context) error {
	params := twilioParams(c)
	log.Printf("phone screen call from %s, CallSID: %s", params["From"], params["CallSid"])

	say := &twiml.VoiceSay{
		Message: "Hello, and thanks for taking our phone screen. This call is recorded. After the beep, please introduce yourself and tell us about your recent work.",
	}
	record := &twiml.VoiceRecord{
		Action:                        s.absoluteURL(c, "/twilio/recording-complete"),
		MaxLength:                     "600",
		RecordingStatusCallback:       s.absoluteURL(c, "/twilio/recording-status"),
		RecordingStatusCallbackMethod: "POST",
		Trim:                          "do-not-trim",
	}
	response, err := twiml.Voice([]twiml.Element{say, record})
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

func (s *Service) handleRecordingStatus(c echo.Context) error {
	params := twilioParams(c)
	log.Printf("recording status: %s, SID: %s", params["RecordingStatus"], params["RecordingSid"])
	if params["RecordingStatus"] == "completed" && params["RecordingUrl"] != "" {
		s.archiveRecording(params["RecordingUrl"], params["RecordingSid"])
	}
	return c.String(http.StatusOK, "OK")
}

func (s *Service) handleRecordingComplete(c echo.Context) error {
	params := twilioParams(c)
	log.Printf("recording completed: SID: %s", params["RecordingSid"])
	if params["RecordingUrl"] != "" {
		s.archiveRecording(params["RecordingUrl"], params["RecordingSid"])
	}
	say := &twiml.VoiceSay{Message: "Thank you. We will be in touch. Goodbye."}
	hangup := &twiml.VoiceHangup{}
	response, err := twiml.Voice([]twiml.Element{say, hangup})
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

// archiveRecording downloads the recording from Twilio and uploads it to
// storage asynchronously; the webhook response must not wait on it.
func (s *Service) archiveRecording(recordingURL, recordingSID string) {
	filename := fmt.Sprintf("recordings/recording_%s_%d.wav", recordingSID, time.Now().Unix())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.uploadRecording(ctx, recordingURL, filename); err != nil {
			log.Printf("failed to archive recording %s: %v", recordingSID, err)
			return
		}
		log.Printf("recording archived: %s", filename)
	}()
}

func (s *Service) uploadRecording(ctx context.Context, recordingURL, filename string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL+".wav", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.accountSID, s.authToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download recording failed: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return s.storage.Upload(ctx, filename, "audio/wav", data)
}

// absoluteURL builds a public callback URL. Configured base URL wins, then
// forwarded headers, then the request host.
func (s *Service) absoluteURL(c echo.Context, path string) string {
	base := s.baseURL
	if base == "" {
		proto := c.Request().Header.Get("X-Forwarded-Proto")
		host := c.Request().Header.Get("X-Forwarded-Host")
		if proto != "" && host != "" {
			base = fmt.Sprintf("%s://%s", proto, host)
		}
	}
	if base == "" {
		host := c.Request().Host
		proto := "https"
		if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
			proto = "http"
		}
		base = fmt.Sprintf("%s://%s", proto, host)
	}
	return base + path
}

func twilioParams(c echo.Context) map[string]string {
	if params, ok := c.Get("twilioParams").(map[string]string); ok {
		return params
	}
	return map[string]string{}
}
