package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	FlowPath    string
	BaseURL     string

	AuthPassword   string
	ICEServersJSON string

	AssemblyAIKey   string
	CerebrasKey     string
	CerebrasModelID string
	DeepgramKey     string
	DeepgramModel   string

	TTSProvider       string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	InterviewMinutes int
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	flowPath := os.Getenv("FLOW_PATH")
	if flowPath == "" {
		flowPath = "flows/phone_screen.json"
	}

	assemblyAIKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if assemblyAIKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - transcription will not work")
	}

	cerebrasKey := os.Getenv("CEREBRAS_API_KEY")
	cerebrasModel := os.Getenv("CEREBRAS_MODEL_ID")
	if cerebrasModel == "" {
		cerebrasModel = "llama-4-maverick-17b-128e-instruct"
	}
	if cerebrasKey == "" {
		log.Println("Warning: CEREBRAS_API_KEY not set - LLM will not work")
	}

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if deepgramKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - TTS will not work")
	}
	deepgramModel := os.Getenv("DEEPGRAM_TTS_MODEL")

	ttsProvider := envOr("TTS_PROVIDER", "deepgram")

	minutes := 30
	if v := os.Getenv("INTERVIEW_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			minutes = n
		} else {
			log.Printf("Warning: invalid INTERVIEW_MINUTES=%q, using %d", v, minutes)
		}
	}

	log.Printf("config: HTTP_ADDRESS=%s FLOW_PATH=%s", addr, flowPath)
	return Config{
		HTTPAddress:        addr,
		FlowPath:           flowPath,
		BaseURL:            os.Getenv("BASE_URL"),
		AuthPassword:       os.Getenv("RTC_AUTH_PASSWORD"),
		ICEServersJSON:     os.Getenv("ICE_SERVERS_JSON"),
		AssemblyAIKey:      assemblyAIKey,
		CerebrasKey:        cerebrasKey,
		CerebrasModelID:    cerebrasModel,
		DeepgramKey:        deepgramKey,
		DeepgramModel:      deepgramModel,
		TTSProvider:        ttsProvider,
		ElevenLabsKey:      os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:  os.Getenv("ELEVENLABS_VOICE_ID"),
		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:     envOr("SUPABASE_BUCKET", "interview-artifacts"),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
		InterviewMinutes:   minutes,
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
