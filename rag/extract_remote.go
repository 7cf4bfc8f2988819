package rag

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultLlamaParseBaseURL = "https://api.cloud.llamaindex.ai/api/v1/parsing"
	defaultChunkrBaseURL     = "https://api.chunkr.ai/api/v1"

	defaultPollInterval    = 2 * time.Second
	defaultMaxPollAttempts = 60
)

// llamaParseExtractor drives the LlamaParse asynchronous job API: upload the
// document, poll the job until it settles, then fetch the text result.
type llamaParseExtractor struct {
	httpClient      *http.Client
	baseURL         string
	apiKey          string
	pollInterval    time.Duration
	maxPollAttempts int
}

// newLlamaParseExtractorFromEnv returns nil when LLAMAPARSE_API_KEY is unset,
// which simply omits the provider from the chain.
func newLlamaParseExtractorFromEnv() *llamaParseExtractor {
	apiKey := strings.TrimSpace(os.Getenv("LLAMAPARSE_API_KEY"))
	if apiKey == "" {
		return nil
	}
	baseURL := strings.TrimSpace(os.Getenv("LLAMAPARSE_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultLlamaParseBaseURL
	}
	return &llamaParseExtractor{
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          apiKey,
		pollInterval:    defaultPollInterval,
		maxPollAttempts: defaultMaxPollAttempts,
	}
}

func (e *llamaParseExtractor) Name() string {
	return "llamaparse"
}

func (e *llamaParseExtractor) Extract(ctx context.Context, data []byte) (*ExtractionResult, error) {
	jobID, err := e.submit(ctx, data)
	if err != nil {
		return nil, err
	}

	err = pollUntil(ctx, e.Name(), e.maxPollAttempts, e.pollInterval, func(ctx context.Context) (bool, error) {
		status, pollErr := e.jobStatus(ctx, jobID)
		if pollErr != nil {
			return false, pollErr
		}
		switch status {
		case "SUCCESS":
			return true, nil
		case "ERROR", "CANCELED":
			return false, fmt.Errorf("rag: llamaparse job %s reported status %s", jobID, status)
		default:
			return false, nil
		}
	})
	if err != nil {
		return nil, err
	}

	return e.fetchResult(ctx, jobID)
}

func (e *llamaParseExtractor) submit(ctx context.Context, data []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "document.pdf")
	if err != nil {
		return "", fmt.Errorf("rag: build llamaparse upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("rag: build llamaparse upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("rag: build llamaparse upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/upload", body)
	if err != nil {
		return "", fmt.Errorf("rag: create llamaparse upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("rag: llamaparse upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("rag: llamaparse upload status %s: %s", resp.Status, responseSnippet(resp.Body))
	}

	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("rag: decode llamaparse upload response: %w", err)
	}
	if decoded.ID == "" {
		return "", fmt.Errorf("rag: llamaparse upload response missing job id")
	}
	return decoded.ID, nil
}

func (e *llamaParseExtractor) jobStatus(ctx context.Context, jobID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/job/"+jobID, nil)
	if err != nil {
		return "", fmt.Errorf("rag: create llamaparse status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("rag: llamaparse status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("rag: llamaparse status %s: %s", resp.Status, responseSnippet(resp.Body))
	}

	var decoded struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("rag: decode llamaparse status response: %w", err)
	}
	return strings.ToUpper(decoded.Status), nil
}

func (e *llamaParseExtractor) fetchResult(ctx context.Context, jobID string) (*ExtractionResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/job/"+jobID+"/result/text", nil)
	if err != nil {
		return nil, fmt.Errorf("rag: create llamaparse result request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rag: llamaparse result request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("rag: llamaparse result status %s: %s", resp.Status, responseSnippet(resp.Body))
	}

	var decoded struct {
		Text        string `json:"text"`
		JobMetadata struct {
			JobPages int `json:"job_pages"`
		} `json:"job_metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("rag: decode llamaparse result response: %w", err)
	}

	return &ExtractionResult{
		Text:      decoded.Text,
		PageCount: decoded.JobMetadata.JobPages,
	}, nil
}

// chunkrExtractor drives the Chunkr task API. Unlike LlamaParse it segments
// the document itself, so its result carries chunk hints with page numbers.
type chunkrExtractor struct {
	httpClient      *http.Client
	baseURL         string
	apiKey          string
	pollInterval    time.Duration
	maxPollAttempts int
}

func newChunkrExtractorFromEnv() *chunkrExtractor {
	apiKey := strings.TrimSpace(os.Getenv("CHUNKR_API_KEY"))
	if apiKey == "" {
		return nil
	}
	baseURL := strings.TrimSpace(os.Getenv("CHUNKR_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultChunkrBaseURL
	}
	return &chunkrExtractor{
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          apiKey,
		pollInterval:    3 * time.Second,
		maxPollAttempts: defaultMaxPollAttempts,
	}
}

func (e *chunkrExtractor) Name() string {
	return "chunkr"
}

type chunkrOutput struct {
	PageCount int `json:"page_count"`
	Chunks    []struct {
		Segments []struct {
			Content     string `json:"content"`
			PageNumber  int    `json:"page_number"`
			SegmentType string `json:"segment_type"`
		} `json:"segments"`
	} `json:"chunks"`
}

func (e *chunkrExtractor) Extract(ctx context.Context, data []byte) (*ExtractionResult, error) {
	taskID, err := e.submit(ctx, data)
	if err != nil {
		return nil, err
	}

	var output *chunkrOutput
	err = pollUntil(ctx, e.Name(), e.maxPollAttempts, e.pollInterval, func(ctx context.Context) (bool, error) {
		status, taskOutput, pollErr := e.taskStatus(ctx, taskID)
		if pollErr != nil {
			return false, pollErr
		}
		switch status {
		case "Succeeded":
			output = taskOutput
			return true, nil
		case "Failed":
			return false, fmt.Errorf("rag: chunkr task %s reported status %s", taskID, status)
		default:
			return false, nil
		}
	})
	if err != nil {
		return nil, err
	}
	if output == nil {
		return nil, fmt.Errorf("rag: chunkr task %s completed without output", taskID)
	}

	return buildChunkrResult(output), nil
}

func (e *chunkrExtractor) submit(ctx context.Context, data []byte) (string, error) {
	payload := map[string]interface{}{
		"file":      base64.StdEncoding.EncodeToString(data),
		"file_name": "document.pdf",
	}
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return "", fmt.Errorf("rag: encode chunkr task payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/task/parse", body)
	if err != nil {
		return "", fmt.Errorf("rag: create chunkr task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("rag: chunkr task request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("rag: chunkr task status %s: %s", resp.Status, responseSnippet(resp.Body))
	}

	var decoded struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("rag: decode chunkr task response: %w", err)
	}
	if decoded.TaskID == "" {
		return "", fmt.Errorf("rag: chunkr task response missing task id")
	}
	return decoded.TaskID, nil
}

func (e *chunkrExtractor) taskStatus(ctx context.Context, taskID string) (string, *chunkrOutput, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/task/"+taskID, nil)
	if err != nil {
		return "", nil, fmt.Errorf("rag: create chunkr status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("rag: chunkr status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", nil, fmt.Errorf("rag: chunkr status %s: %s", resp.Status, responseSnippet(resp.Body))
	}

	var decoded struct {
		Status string        `json:"status"`
		Output *chunkrOutput `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", nil, fmt.Errorf("rag: decode chunkr status response: %w", err)
	}
	return decoded.Status, decoded.Output, nil
}

// buildChunkrResult flattens segment hints into chunk candidates while
// assembling the full text, so candidate offsets stay consistent with the
// text cached on the document.
func buildChunkrResult(output *chunkrOutput) *ExtractionResult {
	var builder strings.Builder
	candidates := make([]ChunkCandidate, 0, len(output.Chunks))
	offset := 0
	maxPage := 0

	for _, chunk := range output.Chunks {
		for _, segment := range chunk.Segments {
			text := strings.TrimSpace(segment.Content)
			if text == "" {
				continue
			}
			if offset > 0 {
				builder.WriteString("\n\n")
				offset += 2
			}
			builder.WriteString(text)
			length := len([]rune(text))

			candidate := ChunkCandidate{
				Text:  text,
				Start: offset,
				End:   offset + length,
				Type:  strings.ToLower(segment.SegmentType),
			}
			if segment.PageNumber > 0 {
				page := segment.PageNumber
				candidate.Page = &page
				if page > maxPage {
					maxPage = page
				}
			}
			candidates = append(candidates, candidate)
			offset += length
		}
	}

	pageCount := output.PageCount
	if pageCount == 0 {
		pageCount = maxPage
	}
	return &ExtractionResult{
		Text:      builder.String(),
		PageCount: pageCount,
		Chunks:    candidates,
	}
}

func responseSnippet(body io.Reader) string {
	snippet, _ := io.ReadAll(io.LimitReader(body, 4096))
	return strings.TrimSpace(string(snippet))
}
