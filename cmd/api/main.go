package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/voice-tavern/backend/internal/config"
	"github.com/zhouzirui/voice-tavern/backend/internal/handler"
	"github.com/zhouzirui/voice-tavern/backend/internal/model/profile"
	speechModel "github.com/zhouzirui/voice-tavern/backend/internal/model/speech"
	"github.com/zhouzirui/voice-tavern/backend/internal/service/dialogue"
	"github.com/zhouzirui/voice-tavern/backend/internal/service/speech"
	"github.com/zhouzirui/voice-tavern/backend/internal/service/transcript"
	"github.com/zhouzirui/voice-tavern/backend/internal/service/voice"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	profileStore := profile.NewMemoryStore(profile.Seed())
	transcripts := transcript.NewService()

	// Initialize dialogue service
	var dialogueSvc *dialogue.Service
	if cfg.AI.Enabled() {
		dialogueSvc, err = dialogue.NewService(ctx, transcripts, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize dialogue service: %v", err)
			log.Println("continuing without dialogue functionality - 请检查 Ark 模型相关环境变量")
		} else {
			log.Println("Dialogue service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过对话功能初始化")
	}

	// Initialize speech adapters
	var recognizer speech.Recognizer
	var synthesizer speech.Synthesizer
	if cfg.Speech.Enabled {
		speechConfig := &speechModel.SpeechConfig{
			AppID:       cfg.Speech.AppID,
			AccessToken: cfg.Speech.AccessToken,
			APIKey:      cfg.Speech.APIKey,
			Region:      cfg.Speech.Region,
			BaseURL:     cfg.Speech.BaseURL,
			ASRLanguage: cfg.Speech.ASRLanguage,
			TTSVoice:    cfg.Speech.TTSVoice,
			TTSSpeed:    cfg.Speech.TTSSpeed,
			TTSVolume:   cfg.Speech.TTSVolume,
			TTSLanguage: cfg.Speech.TTSLanguage,
			Timeout:     cfg.Speech.Timeout,
		}
		recognizer = speech.NewVolcengineRecognizer(speechConfig)
		synthesizer = speech.NewVolcengineSynthesizer(speechConfig)
		log.Println("Speech adapters initialized successfully")
	} else {
		log.Println("语音服务凭证未配置，跳过语音功能初始化")
	}

	registry := voice.NewRegistry()
	defer registry.CloseAll()

	sessionOpts := voice.Options{
		Recognizer:    recognizer,
		Synthesizer:   synthesizer,
		Conversations: transcripts,
		Profiles:      profileStore,
		Settings: voice.Settings{
			SilenceThreshold: cfg.Voice.SilenceThreshold,
			SynthQuiescence:  cfg.Voice.SynthQuiescence,
			SynthTimeout:     cfg.Voice.SynthTimeout,
			FallbackPrompt:   cfg.Voice.FallbackPrompt,
			ASRLanguage:      cfg.Speech.ASRLanguage,
			AudioFormat:      "pcm",
			SampleRate:       16000,
		},
	}
	if dialogueSvc != nil {
		sessionOpts.Dialogue = dialogueSvc
	}

	router := handler.NewRouter(profileStore, transcripts, sessionOpts, registry)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Voice Tavern backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
