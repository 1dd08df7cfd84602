package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/voice-tavern/backend/internal/config"
	speechmodel "github.com/zhouzirui/voice-tavern/backend/internal/model/speech"
	"github.com/zhouzirui/voice-tavern/backend/internal/service/speech"
)

// asr音频分包大小: 16kHz 16bit 单声道 200ms
const asrChunkSize = 6400

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	if !cfg.Speech.Enabled {
		log.Fatal("语音服务未启用，请先在环境变量中配置 SPEECH_* 凭证")
	}

	mode := flag.String("mode", "", "测试模式: asr 或 tts")
	audioPath := flag.String("audio", "", "ASR 输入音频文件路径 (PCM)")
	text := flag.String("text", "", "TTS 输入文本")
	outputPath := flag.String("out", "", "TTS 输出音频文件路径 (默认根据格式自动生成)")
	format := flag.String("format", "", "音频格式 (ASR: 输入格式; TTS: 输出格式)")
	language := flag.String("lang", "", "语言代码，默认使用配置中的语言")
	voice := flag.String("voice", "", "TTS 声音 ID，默认使用配置中的 TTSVoice")
	session := flag.String("session", "", "自定义 sessionID，留空则自动生成")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")

	flag.Parse()

	if *mode != "asr" && *mode != "tts" {
		flag.Usage()
		log.Fatal("请通过 -mode=asr 或 -mode=tts 指定测试模式")
	}

	sessionID := *session
	if sessionID == "" {
		sessionID = fmt.Sprintf("probe-%d", time.Now().UnixNano())
	}

	speechCfg := &speechmodel.SpeechConfig{
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

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "asr":
		runASR(ctx, speechCfg, cfg, sessionID, *audioPath, *format, *language)
	case "tts":
		runTTS(ctx, speechCfg, cfg, sessionID, *text, *voice, *format, *language, *outputPath)
	}
}

// runASR 将音频文件按实时节奏推入识别流并打印转写片段。
func runASR(ctx context.Context, speechCfg *speechmodel.SpeechConfig, cfg *config.Config, sessionID, audioPath, format, language string) {
	if audioPath == "" {
		log.Fatal("ASR 模式需要通过 -audio 指定音频文件路径")
	}

	audio, err := os.ReadFile(audioPath)
	if err != nil {
		log.Fatalf("读取音频文件失败: %v", err)
	}

	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(audioPath)), ".")
		if format == "" {
			format = "pcm"
		}
	}
	if language == "" {
		language = cfg.Speech.ASRLanguage
	}

	recognizer := speech.NewVolcengineRecognizer(speechCfg)
	stream, err := recognizer.Open(ctx, speech.StreamConfig{
		SessionID:  sessionID,
		Language:   language,
		Format:     format,
		SampleRate: 16000,
	})
	if err != nil {
		log.Fatalf("打开识别流失败: %v", err)
	}
	defer stream.Close()

	log.Printf("开始进行 ASR 测试: session=%s format=%s language=%s bytes=%d", sessionID, format, language, len(audio))

	go func() {
		for i := 0; i < len(audio); i += asrChunkSize {
			end := i + asrChunkSize
			if end > len(audio) {
				end = len(audio)
			}
			if err := stream.Send(audio[i:end]); err != nil {
				log.Printf("发送音频帧失败: %v", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
		}
		if err := stream.Finish(); err != nil {
			log.Printf("结束音频流失败: %v", err)
		}
	}()

	for ev := range stream.Events() {
		switch ev.Type {
		case speech.RecognitionFragment:
			marker := "interim"
			if ev.Fragment.IsFinal {
				marker = "final"
			}
			log.Printf("[%s] %s", marker, ev.Fragment.Text)
		case speech.RecognitionUtteranceEnd:
			log.Printf("识别判停")
		case speech.RecognitionError:
			log.Fatalf("ASR 调用失败: %v", ev.Err)
		case speech.RecognitionClosed:
			log.Printf("识别流已结束")
		}
	}
}

// runTTS 合成文本并把全部音频块写入输出文件。
func runTTS(ctx context.Context, speechCfg *speechmodel.SpeechConfig, cfg *config.Config, sessionID, text, voice, format, language, outputPath string) {
	if strings.TrimSpace(text) == "" {
		log.Fatal("TTS 模式需要通过 -text 提供待合成文本")
	}

	if voice == "" {
		voice = cfg.Speech.TTSVoice
	}
	if language == "" {
		language = cfg.Speech.TTSLanguage
	}
	if format == "" {
		format = "mp3"
	}
	if outputPath == "" {
		outputPath = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), format)
	}

	synthesizer := speech.NewVolcengineSynthesizer(speechCfg)
	stream, err := synthesizer.Open(ctx, text, speech.StreamConfig{
		SessionID:   sessionID,
		Voice:       voice,
		Language:    language,
		Format:      format,
		Quiescence:  cfg.Voice.SynthQuiescence,
		HardTimeout: cfg.Voice.SynthTimeout,
	})
	if err != nil {
		log.Fatalf("打开合成流失败: %v", err)
	}
	defer stream.Close()

	log.Printf("开始进行 TTS 测试: session=%s voice=%s format=%s", sessionID, voice, format)

	var buf []byte
	chunks := 0
	for ev := range stream.Events() {
		switch ev.Type {
		case speech.SynthesisChunk:
			buf = append(buf, ev.Chunk.Payload...)
			chunks++
		case speech.SynthesisFlushed:
			log.Printf("合成完成: chunks=%d bytes=%d", chunks, len(buf))
		case speech.SynthesisError:
			log.Fatalf("TTS 调用失败: %v", ev.Err)
		}
	}

	if len(buf) == 0 {
		log.Fatal("TTS 未返回音频数据")
	}

	if err := os.WriteFile(outputPath, buf, 0o644); err != nil {
		log.Fatalf("写入音频文件失败: %v", err)
	}

	log.Printf("TTS 合成成功: 输出文件 %s", outputPath)
}
