// Package llm asks a Gemini vision model which view a reference image shows.
// It is the last resort for Smart imports whose file names say nothing.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/book-expert/logger"
	"google.golang.org/genai"

	"github.com/book-expert/refcast-service/internal/media"
	"github.com/book-expert/refcast-service/internal/view"
)

const (
	DefaultModel             = "gemini-2.5-flash"
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 2
	DefaultTimeoutSeconds    = 60
	DefaultSystemInstruction = "You classify orthographic reference images for 3D modeling. " +
		"Answer with exactly one word: Front, Back, Left, Right, Top or Bottom."
	DefaultPrompt   = "Which view of the subject does this reference image show?"
	maxOutputTokens = 16
)

var (
	// ErrAPIKeyNotFound indicates that the required API key was not found
	// in the environment variable.
	ErrAPIKeyNotFound = errors.New("API key not found in environment variable")
	// ErrUnrecognizedView indicates a model answer that names no view.
	ErrUnrecognizedView = errors.New("model answer names no view")
	// ErrUnsupportedImage indicates an image the model cannot read.
	ErrUnsupportedImage = errors.New("image type not accepted by the model")
)

var acceptedMIME = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
}

// Generator is the part of the Gemini client the classifier needs.
type Generator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Config holds the model settings.
type Config struct {
	APIKey            string
	Model             string
	SystemInstruction string
	Prompt            string
	Temperature       float64
	MaxRetries        int
	RetryDelaySeconds int
	TimeoutSeconds    int
}

// Classifier labels images with one of the six views.
type Classifier struct {
	generator Generator
	logger    *logger.Logger
	config    Config
}

// NewClassifier connects to the Gemini API.
func NewClassifier(ctx context.Context, config Config, log *logger.Logger) (*Classifier, error) {
	if config.APIKey == "" {
		return nil, ErrAPIKeyNotFound
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}

	return NewClassifierWithGenerator(client.Models, config, log), nil
}

// NewClassifierWithGenerator builds a classifier on any generator. An empty
// model, prompt or instruction and non-positive retries or timeout take the
// package defaults; a zero retry delay retries immediately.
func NewClassifierWithGenerator(generator Generator, config Config, log *logger.Logger) *Classifier {
	if config.Model == "" {
		config.Model = DefaultModel
	}

	if config.SystemInstruction == "" {
		config.SystemInstruction = DefaultSystemInstruction
	}

	if config.Prompt == "" {
		config.Prompt = DefaultPrompt
	}

	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	if config.RetryDelaySeconds < 0 {
		config.RetryDelaySeconds = DefaultRetryDelaySeconds
	}

	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = DefaultTimeoutSeconds
	}

	return &Classifier{generator: generator, config: config, logger: log}
}

// ClassifyView sends the image at imagePath to the model and parses its answer.
func (c *Classifier) ClassifyView(ctx context.Context, imagePath string) (view.View, error) {
	sniffed, err := media.Sniff(imagePath)
	if err != nil {
		return view.None, fmt.Errorf("read image: %w", err)
	}

	if !acceptedMIME[sniffed.MIME] {
		return view.None, fmt.Errorf("%s (%s): %w", filepath.Base(imagePath), sniffed.MIME, ErrUnsupportedImage)
	}

	data, err := os.ReadFile(filepath.Clean(imagePath))
	if err != nil {
		return view.None, fmt.Errorf("read image: %w", err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, sniffed.MIME),
			genai.NewPartFromText(c.config.Prompt),
		}, genai.RoleUser),
	}

	generateConfig := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(c.config.SystemInstruction, genai.RoleUser),
		Temperature:       genai.Ptr(float32(c.config.Temperature)),
		MaxOutputTokens:   maxOutputTokens,
	}

	answer, err := c.generateWithRetries(ctx, contents, generateConfig)
	if err != nil {
		return view.None, err
	}

	detected, ok := ParseAnswer(answer)
	if !ok {
		return view.None, fmt.Errorf("answer %q for %s: %w", answer, filepath.Base(imagePath), ErrUnrecognizedView)
	}

	c.logger.Infof("Model classified %s as %s", filepath.Base(imagePath), detected)

	return detected, nil
}

func (c *Classifier) generateWithRetries(
	ctx context.Context,
	contents []*genai.Content,
	generateConfig *genai.GenerateContentConfig,
) (string, error) {
	var finalError error

	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		answer, err := c.generate(ctx, contents, generateConfig)
		if err == nil {
			return answer, nil
		}

		finalError = err
		c.logger.Warnf("View classification attempt %d/%d failed: %v", attempt, c.config.MaxRetries, err)

		if attempt < c.config.MaxRetries {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("classification canceled: %w", ctx.Err())
			case <-time.After(time.Duration(c.config.RetryDelaySeconds) * time.Second):
			}
		}
	}

	return "", fmt.Errorf("classification failed after %d attempts: %w", c.config.MaxRetries, finalError)
}

func (c *Classifier) generate(
	ctx context.Context,
	contents []*genai.Content,
	generateConfig *genai.GenerateContentConfig,
) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(c.config.TimeoutSeconds)*time.Second)
	defer cancel()

	response, err := c.generator.GenerateContent(callCtx, c.config.Model, contents, generateConfig)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	return response.Text(), nil
}

// ParseAnswer finds the view named in a model answer such as "Left",
// "left view." or "The image shows the TOP".
func ParseAnswer(answer string) (view.View, bool) {
	if parsed, err := view.Parse(answer); err == nil && parsed.Valid() {
		return parsed, true
	}

	words := strings.FieldsFunc(answer, func(r rune) bool {
		return !unicode.IsLetter(r)
	})

	for _, word := range words {
		if parsed, err := view.Parse(word); err == nil && parsed.Valid() {
			return parsed, true
		}
	}

	return view.None, false
}
