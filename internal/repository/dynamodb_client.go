package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/xylitol6744/StoryMate-AI/internal/domain"
)

const (
	skPrefixConv  = "CONV#"
	skPrefixUsage = "USAGE#"
	pkPrefixUser  = "USER#"
	pkPrefixAudit = "AUDIT#"

	// maxCommitRetries bounds the compare-and-swap loop on the daily
	// usage counter before the conflict is surfaced to the caller.
	maxCommitRetries = 5
)

// ErrConversationNotFound is returned when no conversation document
// exists for the given owner and id. It carries a ConversationNotFound
// marker method so callers can detect it without importing this
// package.
var ErrConversationNotFound error = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "repository: conversation not found" }

func (notFoundError) ConversationNotFound() bool { return true }

// ErrCommitConflict is returned when the usage counter could not be
// advanced within maxCommitRetries due to concurrent commits.
var ErrCommitConflict = errors.New("repository: usage commit conflict")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Store defines the persistence operations consumed by the usecase layer.
type Store interface {
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	GetConversation(ctx context.Context, owner, id string) (domain.Conversation, error)
	AppendTurns(ctx context.Context, owner, id string, turns []domain.Turn) error
	UpdateSummary(ctx context.Context, owner, id, summary string, checkpoint, expected int) error
	FinalizeConversation(ctx context.Context, owner, id, story, title string) error
	DailyUsage(ctx context.Context, owner string, day time.Time) (int, error)
	CommitDailyUsage(ctx context.Context, owner string, day time.Time, delta int) (int, error)
	WriteAudit(ctx context.Context, entry domain.AuditEntry) error
}

// Client wraps a single DynamoDB table holding conversation documents,
// monthly usage records and audit log entries.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// userPK returns the partition key shared by a user's conversations and
// usage records.
func userPK(owner string) string {
	return pkPrefixUser + owner
}

func convSK(id string) string {
	return skPrefixConv + id
}

// monthKey formats a timestamp as the year-month usage document key.
func monthKey(day time.Time) string {
	return day.UTC().Format("2006-01")
}

// dayKey is the day-of-month map key inside a usage record, without
// zero padding ("1".."31").
func dayKey(day time.Time) string {
	return strconv.Itoa(day.UTC().Day())
}

func usageSK(day time.Time) string {
	return skPrefixUsage + monthKey(day)
}

// CreateConversation persists a fresh conversation document. The write
// is conditional on the key not existing so an id collision surfaces
// rather than clobbering history.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	if conv.ID == "" || conv.Owner == "" {
		return errors.New("repository: CreateConversation: id and owner are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                conversationItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return nil
}

// GetConversation reads a conversation document with a consistent read,
// so a turn observes its own prior appends.
func (c *Client) GetConversation(ctx context.Context, owner, id string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(owner)},
			"SK": &types.AttributeValueMemberS{Value: convSK(id)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, ErrConversationNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, nil
}

// AppendTurns appends turns to the conversation's turn list. The update
// is conditional on the conversation still being active, so a finalize
// racing a turn cannot grow a completed conversation.
func (c *Client) AppendTurns(ctx context.Context, owner, id string, turns []domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(owner)},
			"SK": &types.AttributeValueMemberS{Value: convSK(id)},
		},
		UpdateExpression:    aws.String("SET turns = list_append(turns, :new)"),
		ConditionExpression: aws.String("attribute_exists(PK) AND completed = :active"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":    turnsAttr(turns),
			":active": &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurns: %w", err)
	}
	return nil
}

// UpdateSummary writes the new standing summary and the advanced
// checkpoint in one item write, conditional on the checkpoint still
// holding its expected prior value. Summary and checkpoint can never
// diverge because they live in the same item.
func (c *Client) UpdateSummary(ctx context.Context, owner, id, summary string, checkpoint, expected int) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(owner)},
			"SK": &types.AttributeValueMemberS{Value: convSK(id)},
		},
		UpdateExpression:    aws.String("SET summary = :s, summaryCheckpoint = :c"),
		ConditionExpression: aws.String("summaryCheckpoint = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":        &types.AttributeValueMemberS{Value: summary},
			":c":        &types.AttributeValueMemberN{Value: strconv.Itoa(checkpoint)},
			":expected": &types.AttributeValueMemberN{Value: strconv.Itoa(expected)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: UpdateSummary: %w", err)
	}
	return nil
}

// FinalizeConversation marks the conversation completed with its story
// and title and drops the summary fields, which are meaningless after
// completion.
func (c *Client) FinalizeConversation(ctx context.Context, owner, id, story, title string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(owner)},
			"SK": &types.AttributeValueMemberS{Value: convSK(id)},
		},
		UpdateExpression:    aws.String("SET completed = :done, story = :story, title = :title REMOVE summary, summaryCheckpoint"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done":  &types.AttributeValueMemberBOOL{Value: true},
			":story": &types.AttributeValueMemberS{Value: story},
			":title": &types.AttributeValueMemberS{Value: title},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: FinalizeConversation: %w", err)
	}
	return nil
}

// DailyUsage returns the cumulative tokens consumed by an owner on the
// given day. A missing usage document or day entry reads as zero usage,
// which is correct only because store errors are returned distinctly.
func (c *Client) DailyUsage(ctx context.Context, owner string, day time.Time) (int, error) {
	rec, found, err := c.getUsageRecord(ctx, owner, day)
	if err != nil {
		return 0, fmt.Errorf("repository: DailyUsage: %w", err)
	}
	if !found {
		return 0, nil
	}
	return rec.CountByDay[dayKey(day)], nil
}

// CommitDailyUsage atomically adds delta to the owner's counter for the
// given day and returns the new total. Concurrent commits for the same
// (owner, day) are serialized with a compare-and-swap on the previous
// counter value, retried up to maxCommitRetries before ErrCommitConflict.
func (c *Client) CommitDailyUsage(ctx context.Context, owner string, day time.Time, delta int) (int, error) {
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		rec, found, err := c.getUsageRecord(ctx, owner, day)
		if err != nil {
			return 0, fmt.Errorf("repository: CommitDailyUsage read: %w", err)
		}

		dk := dayKey(day)
		old, dayExists := 0, false
		if found {
			old, dayExists = rec.CountByDay[dk], hasDay(rec, dk)
		}
		newTotal := old + delta

		switch {
		case !found:
			err = c.putUsageRecord(ctx, owner, day, dk, newTotal)
		case !dayExists:
			err = c.setDayIfAbsent(ctx, owner, day, dk, newTotal)
		default:
			err = c.swapDayCount(ctx, owner, day, dk, old, newTotal)
		}
		if err == nil {
			return newTotal, nil
		}
		if !isConditionalFailure(err) {
			return 0, fmt.Errorf("repository: CommitDailyUsage write: %w", err)
		}
		// Lost the race; re-read and try again.
	}
	return 0, ErrCommitConflict
}

func (c *Client) getUsageRecord(ctx context.Context, owner string, day time.Time) (domain.UsageRecord, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(owner)},
			"SK": &types.AttributeValueMemberS{Value: usageSK(day)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.UsageRecord{}, false, err
	}
	if out == nil || len(out.Item) == 0 {
		return domain.UsageRecord{}, false, nil
	}
	rec, err := itemToUsageRecord(out.Item, owner, monthKey(day))
	if err != nil {
		return domain.UsageRecord{}, false, err
	}
	return rec, true, nil
}

// putUsageRecord creates the monthly document with the first day entry.
// Conditional on the document not existing so a concurrent first commit
// is detected as a conflict rather than overwritten.
func (c *Client) putUsageRecord(ctx context.Context, owner string, day time.Time, dk string, count int) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: userPK(owner)},
			"SK":        &types.AttributeValueMemberS{Value: usageSK(day)},
			"owner":     &types.AttributeValueMemberS{Value: owner},
			"yearMonth": &types.AttributeValueMemberS{Value: monthKey(day)},
			"countByDay": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
				dk: &types.AttributeValueMemberN{Value: strconv.Itoa(count)},
			}},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	return err
}

func (c *Client) setDayIfAbsent(ctx context.Context, owner string, day time.Time, dk string, count int) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(owner)},
			"SK": &types.AttributeValueMemberS{Value: usageSK(day)},
		},
		UpdateExpression:    aws.String("SET countByDay.#d = :new"),
		ConditionExpression: aws.String("attribute_not_exists(countByDay.#d)"),
		ExpressionAttributeNames: map[string]string{
			"#d": dk,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new": &types.AttributeValueMemberN{Value: strconv.Itoa(count)},
		},
	})
	return err
}

func (c *Client) swapDayCount(ctx context.Context, owner string, day time.Time, dk string, old, count int) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(owner)},
			"SK": &types.AttributeValueMemberS{Value: usageSK(day)},
		},
		UpdateExpression:    aws.String("SET countByDay.#d = :new"),
		ConditionExpression: aws.String("countByDay.#d = :old"),
		ExpressionAttributeNames: map[string]string{
			"#d": dk,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new": &types.AttributeValueMemberN{Value: strconv.Itoa(count)},
			":old": &types.AttributeValueMemberN{Value: strconv.Itoa(old)},
		},
	})
	return err
}

// WriteAudit persists one audit entry. Callers treat failures as
// non-fatal; this method only reports them.
func (c *Client) WriteAudit(ctx context.Context, entry domain.AuditEntry) error {
	ts := entry.Timestamp.UTC()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":         &types.AttributeValueMemberS{Value: pkPrefixAudit + ts.Format("2006-01-02")},
			"SK":         &types.AttributeValueMemberS{Value: "LOG#" + ts.Format(time.RFC3339Nano) + "#" + entry.ID},
			"owner":      &types.AttributeValueMemberS{Value: entry.Owner},
			"endpoint":   &types.AttributeValueMemberS{Value: entry.Endpoint},
			"promptSize": &types.AttributeValueMemberN{Value: strconv.Itoa(entry.PromptSize)},
			"tokensUsed": &types.AttributeValueMemberN{Value: strconv.Itoa(entry.TokensUsed)},
			"timestamp":  &types.AttributeValueMemberS{Value: ts.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: WriteAudit: %w", err)
	}
	return nil
}

func hasDay(rec domain.UsageRecord, dk string) bool {
	_, ok := rec.CountByDay[dk]
	return ok
}

func isConditionalFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":                &types.AttributeValueMemberS{Value: userPK(conv.Owner)},
		"SK":                &types.AttributeValueMemberS{Value: convSK(conv.ID)},
		"conversationId":    &types.AttributeValueMemberS{Value: conv.ID},
		"owner":             &types.AttributeValueMemberS{Value: conv.Owner},
		"turns":             turnsAttr(conv.Turns),
		"summary":           &types.AttributeValueMemberS{Value: conv.Summary},
		"summaryCheckpoint": &types.AttributeValueMemberN{Value: strconv.Itoa(conv.SummaryCheckpoint)},
		"completed":         &types.AttributeValueMemberBOOL{Value: conv.Completed},
		"story":             &types.AttributeValueMemberS{Value: conv.Story},
		"title":             &types.AttributeValueMemberS{Value: conv.Title},
		"createdAt":         &types.AttributeValueMemberS{Value: conv.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func turnsAttr(turns []domain.Turn) *types.AttributeValueMemberL {
	items := make([]types.AttributeValue, 0, len(turns))
	for _, t := range turns {
		items = append(items, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"speaker": &types.AttributeValueMemberS{Value: string(t.Speaker)},
			"text":    &types.AttributeValueMemberS{Value: t.Text},
		}})
	}
	return &types.AttributeValueMemberL{Value: items}
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	owner, err := strAttr(item, "owner")
	if err != nil {
		return domain.Conversation{}, err
	}
	turns, err := turnsFromAttr(item["turns"])
	if err != nil {
		return domain.Conversation{}, err
	}
	completed, err := boolAttr(item, "completed")
	if err != nil {
		return domain.Conversation{}, err
	}

	conv := domain.Conversation{
		ID:                id,
		Owner:             owner,
		Turns:             turns,
		Completed:         completed,
		SummaryCheckpoint: -1,
	}
	// Summary fields are absent on completed conversations.
	if _, ok := item["summaryCheckpoint"]; ok {
		cp, err := intAttr(item, "summaryCheckpoint")
		if err != nil {
			return domain.Conversation{}, err
		}
		conv.SummaryCheckpoint = cp
	}
	conv.Summary, _ = strAttr(item, "summary")
	conv.Story, _ = strAttr(item, "story")
	conv.Title, _ = strAttr(item, "title")
	if raw, err := strAttr(item, "createdAt"); err == nil {
		if ts, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			conv.CreatedAt = ts
		}
	}
	return conv, nil
}

func turnsFromAttr(v types.AttributeValue) ([]domain.Turn, error) {
	if v == nil {
		return nil, errors.New("repository: missing attribute \"turns\"")
	}
	list, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, errors.New("repository: attribute \"turns\" is not a list")
	}
	turns := make([]domain.Turn, 0, len(list.Value))
	for i, el := range list.Value {
		m, ok := el.(*types.AttributeValueMemberM)
		if !ok {
			return nil, fmt.Errorf("repository: turn %d is not a map", i)
		}
		speaker, err := strAttr(m.Value, "speaker")
		if err != nil {
			return nil, fmt.Errorf("repository: turn %d: %w", i, err)
		}
		text, err := strAttr(m.Value, "text")
		if err != nil {
			return nil, fmt.Errorf("repository: turn %d: %w", i, err)
		}
		turns = append(turns, domain.Turn{Speaker: domain.Speaker(speaker), Text: text})
	}
	return turns, nil
}

func itemToUsageRecord(item map[string]types.AttributeValue, owner, yearMonth string) (domain.UsageRecord, error) {
	rec := domain.UsageRecord{
		Owner:      owner,
		YearMonth:  yearMonth,
		CountByDay: map[string]int{},
	}
	raw, ok := item["countByDay"]
	if !ok {
		return rec, nil
	}
	m, ok := raw.(*types.AttributeValueMemberM)
	if !ok {
		return domain.UsageRecord{}, errors.New("repository: attribute \"countByDay\" is not a map")
	}
	for k, v := range m.Value {
		n, ok := v.(*types.AttributeValueMemberN)
		if !ok {
			return domain.UsageRecord{}, fmt.Errorf("repository: countByDay[%s] is not a number", k)
		}
		count, err := strconv.Atoi(n.Value)
		if err != nil {
			return domain.UsageRecord{}, fmt.Errorf("repository: parse countByDay[%s]: %w", k, err)
		}
		rec.CountByDay[k] = count
	}
	return rec, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a boolean", key)
	}
	return b.Value, nil
}
