// Package gemini implements the upstream contract on the Gemini Live API.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/lumenlabs/lumen/internal/upstream"
)

type Dialer struct {
	APIKey string
	Model  string
	Logger *slog.Logger
}

func (d *Dialer) Dial(ctx context.Context, cfg upstream.SessionConfig) (upstream.Conn, error) {
	if strings.TrimSpace(d.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  d.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	connectCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		connectCfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}
	if len(cfg.Tools) > 0 {
		connectCfg.Tools = []*genai.Tool{{FunctionDeclarations: declarations(cfg.Tools)}}
	}

	session, err := client.Live.Connect(ctx, d.Model, connectCfg)
	if err != nil {
		return nil, fmt.Errorf("connect live session: %w", err)
	}

	return &conn{
		session:   session,
		logger:    logger,
		audioMIME: fmt.Sprintf("audio/pcm;rate=%d", cfg.InputSampleRate),
	}, nil
}

func declarations(tools []upstream.ToolDecl) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		props := make(map[string]*genai.Schema, len(t.Params))
		var required []string
		for _, p := range t.Params {
			props[p.Name] = &genai.Schema{Type: genai.TypeString, Description: p.Description}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: props,
				Required:   required,
			},
		})
	}
	return out
}

type conn struct {
	session   *genai.Session
	logger    *slog.Logger
	audioMIME string

	sendMu sync.Mutex
}

func (c *conn) SendAudio(pcm []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: c.audioMIME, Data: pcm},
	})
}

func (c *conn) SendFrame(jpeg []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: "image/jpeg", Data: jpeg},
	})
}

func (c *conn) SendToolResults(results []upstream.ToolResult) error {
	if len(results) == 0 {
		return nil
	}
	responses := make([]*genai.FunctionResponse, 0, len(results))
	for _, r := range results {
		responses = append(responses, &genai.FunctionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: r.Response,
		})
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: responses,
	})
}

func (c *conn) Receive() (*upstream.ServerMessage, error) {
	raw, err := c.session.Receive()
	if err != nil {
		return nil, err
	}
	return translate(raw), nil
}

// translate flattens one Live API message into the neutral shape. Unknown
// part types are dropped.
func translate(raw *genai.LiveServerMessage) *upstream.ServerMessage {
	msg := &upstream.ServerMessage{}
	if raw == nil {
		return msg
	}

	if sc := raw.ServerContent; sc != nil {
		msg.Interrupted = sc.Interrupted
		msg.TurnComplete = sc.TurnComplete
		if sc.ModelTurn != nil {
			var text strings.Builder
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					text.WriteString(part.Text)
				}
				if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
					msg.Audio = append(msg.Audio, part.InlineData.Data)
				}
			}
			msg.Text = text.String()
		}
	}

	if tc := raw.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			msg.ToolCalls = append(msg.ToolCalls, upstream.ToolCall{
				ID:   fc.ID,
				Name: fc.Name,
				Args: fc.Args,
			})
		}
	}

	return msg
}

func (c *conn) Close() error {
	return c.session.Close()
}
