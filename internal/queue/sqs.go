package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/tmachado/llmcall/internal/model"
	"github.com/tmachado/llmcall/internal/stream"
)

// UsageRecord is one completed model call, published for downstream
// accounting pipelines.
type UsageRecord struct {
	ID               string    `json:"id"`
	ModelName        string    `json:"model_name"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	DollarsUsed      float64   `json:"dollars_used"`
	CacheReadTokens  int       `json:"cache_read_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

type Exporter interface {
	Export(ctx context.Context, record UsageRecord) error
}

// ExportCallback adapts an Exporter into a completion callback.
func ExportCallback(exp Exporter, modelName string) stream.Callback {
	return func(ctx context.Context, resp *model.CostedResponse) error {
		record := UsageRecord{
			ID:               uuid.New().String(),
			ModelName:        modelName,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			DollarsUsed:      resp.Usage.DollarsUsed,
			CreatedAt:        time.Now().UTC(),
		}
		if resp.Usage.CachingInfo != nil {
			record.CacheReadTokens = resp.Usage.CachingInfo.ReadFromCache
		}
		return exp.Export(ctx, record)
	}
}

type SQSExporter struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSExporter(ctx context.Context, region, queueURL string) (*SQSExporter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSExporter{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSExporterWithConfig(cfg aws.Config, queueURL string) *SQSExporter {
	return &SQSExporter{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (e *SQSExporter) Export(ctx context.Context, record UsageRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(e.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"ModelName": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.ModelName),
			},
			"RecordID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.ID),
			},
		},
	}

	_, err = e.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send usage record: %w", err)
	}

	return nil
}

type InMemoryExporter struct {
	mu      sync.Mutex
	records []UsageRecord
}

func NewInMemoryExporter() *InMemoryExporter {
	return &InMemoryExporter{
		records: make([]UsageRecord, 0),
	}
}

func (e *InMemoryExporter) Export(ctx context.Context, record UsageRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, record)
	return nil
}

func (e *InMemoryExporter) GetRecords() []UsageRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]UsageRecord, len(e.records))
	copy(result, e.records)
	return result
}
