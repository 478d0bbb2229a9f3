package repository

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/xylitol6744/StoryMate-AI/internal/domain"
)

type fakeDynamo struct {
	getOut  *dynamodb.GetItemOutput
	getOuts []*dynamodb.GetItemOutput
	getErr  error

	putErr error

	updateErr  error
	updateErrs []error

	lastGetInput    *dynamodb.GetItemInput
	lastPutInput    *dynamodb.PutItemInput
	lastUpdateInput *dynamodb.UpdateItemInput

	getCalls    int
	putCalls    int
	updateCalls int
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	f.getCalls++
	if len(f.getOuts) > 0 {
		out := f.getOuts[0]
		if len(f.getOuts) > 1 {
			f.getOuts = f.getOuts[1:]
		}
		return out, f.getErr
	}
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	f.putCalls++
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateInput = in
	f.updateCalls++
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		if len(f.updateErrs) > 1 {
			f.updateErrs = f.updateErrs[1:]
		}
		return &dynamodb.UpdateItemOutput{}, err
	}
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

func makeConvItem(owner, id string, turns []domain.Turn, checkpoint int, completed bool) map[string]types.AttributeValue {
	item := conversationItem(domain.Conversation{
		ID:                id,
		Owner:             owner,
		Turns:             turns,
		SummaryCheckpoint: checkpoint,
		Completed:         completed,
		CreatedAt:         time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC),
	})
	return item
}

func makeUsageItem(owner string, day time.Time, counts map[string]int) map[string]types.AttributeValue {
	byDay := map[string]types.AttributeValue{}
	for k, v := range counts {
		byDay[k] = &types.AttributeValueMemberN{Value: strconv.Itoa(v)}
	}
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: userPK(owner)},
		"SK":         &types.AttributeValueMemberS{Value: usageSK(day)},
		"owner":      &types.AttributeValueMemberS{Value: owner},
		"yearMonth":  &types.AttributeValueMemberS{Value: monthKey(day)},
		"countByDay": &types.AttributeValueMemberM{Value: byDay},
	}
}

func condFailure() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
}

var testDay = time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestCreateConversation_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.CreateConversation(context.Background(), domain.Conversation{
		ID:                "conv-1",
		Owner:             "user-1",
		SummaryCheckpoint: -1,
	})
	require.NoError(t, err)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "USER#user-1", db.lastPutInput.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "CONV#conv-1", db.lastPutInput.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "-1", db.lastPutInput.Item["summaryCheckpoint"].(*types.AttributeValueMemberN).Value)
}

func TestCreateConversation_MissingIdentity(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.CreateConversation(context.Background(), domain.Conversation{ID: "conv-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestCreateConversation_DynamoError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("ProvisionedThroughputExceededException")}
	c := mustNewClient(t, db)
	err := c.CreateConversation(context.Background(), domain.Conversation{ID: "conv-1", Owner: "user-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "CreateConversation")
}

func TestGetConversation_HappyPath(t *testing.T) {
	turns := []domain.Turn{
		{Speaker: domain.SpeakerUser, Text: "I open the door"},
		{Speaker: domain.SpeakerNarrator, Text: "It creaks."},
	}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeConvItem("user-1", "conv-1", turns, 1, false)}}
	c := mustNewClient(t, db)

	conv, err := c.GetConversation(context.Background(), "user-1", "conv-1")
	require.NoError(t, err)
	require.Equal(t, "conv-1", conv.ID)
	require.Equal(t, "user-1", conv.Owner)
	require.Equal(t, turns, conv.Turns)
	require.Equal(t, 1, conv.SummaryCheckpoint)
	require.False(t, conv.Completed)
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestGetConversation_NotFound(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	_, err := c.GetConversation(context.Background(), "user-1", "conv-1")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestGetConversation_GetItemError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	c := mustNewClient(t, db)
	_, err := c.GetConversation(context.Background(), "user-1", "conv-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetConversation")
}

func TestGetConversation_CompletedWithoutSummaryFields(t *testing.T) {
	item := makeConvItem("user-1", "conv-1", nil, 3, true)
	delete(item, "summary")
	delete(item, "summaryCheckpoint")
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)

	conv, err := c.GetConversation(context.Background(), "user-1", "conv-1")
	require.NoError(t, err)
	require.True(t, conv.Completed)
	require.Equal(t, -1, conv.SummaryCheckpoint)
	require.Empty(t, conv.Summary)
}

func TestAppendTurns_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.AppendTurns(context.Background(), "user-1", "conv-1", []domain.Turn{
		{Speaker: domain.SpeakerUser, Text: "hello"},
		{Speaker: domain.SpeakerNarrator, Text: "greetings"},
	})
	require.NoError(t, err)
	require.Equal(t, "SET turns = list_append(turns, :new)", *db.lastUpdateInput.UpdateExpression)
	require.Equal(t, "attribute_exists(PK) AND completed = :active", *db.lastUpdateInput.ConditionExpression)

	appended := db.lastUpdateInput.ExpressionAttributeValues[":new"].(*types.AttributeValueMemberL)
	require.Len(t, appended.Value, 2)
}

func TestAppendTurns_EmptyIsNoop(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.AppendTurns(context.Background(), "user-1", "conv-1", nil))
	require.Zero(t, db.updateCalls)
}

func TestAppendTurns_DynamoError(t *testing.T) {
	db := &fakeDynamo{updateErr: errors.New("boom")}
	c := mustNewClient(t, db)
	err := c.AppendTurns(context.Background(), "user-1", "conv-1", []domain.Turn{{Speaker: domain.SpeakerUser, Text: "hi"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "AppendTurns")
}

func TestUpdateSummary_WritesSummaryAndCheckpointTogether(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.UpdateSummary(context.Background(), "user-1", "conv-1", "so far: a door creaked", 7, -1)
	require.NoError(t, err)
	require.Equal(t, "SET summary = :s, summaryCheckpoint = :c", *db.lastUpdateInput.UpdateExpression)
	require.Equal(t, "summaryCheckpoint = :expected", *db.lastUpdateInput.ConditionExpression)
	require.Equal(t, "7", db.lastUpdateInput.ExpressionAttributeValues[":c"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "-1", db.lastUpdateInput.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN).Value)
}

func TestUpdateSummary_DynamoError(t *testing.T) {
	db := &fakeDynamo{updateErr: condFailure()}
	c := mustNewClient(t, db)
	err := c.UpdateSummary(context.Background(), "user-1", "conv-1", "summary", 7, -1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "UpdateSummary")
}

func TestFinalizeConversation_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.FinalizeConversation(context.Background(), "user-1", "conv-1", "Once upon a time...", "The Door")
	require.NoError(t, err)
	require.Contains(t, *db.lastUpdateInput.UpdateExpression, "REMOVE summary, summaryCheckpoint")
	require.True(t, db.lastUpdateInput.ExpressionAttributeValues[":done"].(*types.AttributeValueMemberBOOL).Value)
	require.Equal(t, "The Door", db.lastUpdateInput.ExpressionAttributeValues[":title"].(*types.AttributeValueMemberS).Value)
}

func TestFinalizeConversation_DynamoError(t *testing.T) {
	db := &fakeDynamo{updateErr: errors.New("boom")}
	c := mustNewClient(t, db)
	err := c.FinalizeConversation(context.Background(), "user-1", "conv-1", "story", "title")
	require.Error(t, err)
	require.Contains(t, err.Error(), "FinalizeConversation")
}

func TestDailyUsage_MissingDocumentReadsZero(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	used, err := c.DailyUsage(context.Background(), "user-1", testDay)
	require.NoError(t, err)
	require.Zero(t, used)
}

func TestDailyUsage_MissingDayReadsZero(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeUsageItem("user-1", testDay, map[string]int{"4": 1200})}}
	c := mustNewClient(t, db)
	used, err := c.DailyUsage(context.Background(), "user-1", testDay)
	require.NoError(t, err)
	require.Zero(t, used)
}

func TestDailyUsage_ReturnsDayCount(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeUsageItem("user-1", testDay, map[string]int{"5": 1200})}}
	c := mustNewClient(t, db)
	used, err := c.DailyUsage(context.Background(), "user-1", testDay)
	require.NoError(t, err)
	require.Equal(t, 1200, used)
}

func TestDailyUsage_UnpaddedDayKey(t *testing.T) {
	require.Equal(t, "5", dayKey(testDay))
	require.Equal(t, "2026-03", monthKey(testDay))
	require.Equal(t, "USAGE#2026-03", usageSK(testDay))
}

func TestDailyUsage_GetItemError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	c := mustNewClient(t, db)
	_, err := c.DailyUsage(context.Background(), "user-1", testDay)
	require.Error(t, err)
	require.Contains(t, err.Error(), "DailyUsage")
}

func TestCommitDailyUsage_CreatesDocumentOnFirstCommit(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	total, err := c.CommitDailyUsage(context.Background(), "user-1", testDay, 350)
	require.NoError(t, err)
	require.Equal(t, 350, total)
	require.Equal(t, 1, db.putCalls)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)
}

func TestCommitDailyUsage_SetsAbsentDay(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeUsageItem("user-1", testDay, map[string]int{"4": 900})}}
	c := mustNewClient(t, db)
	total, err := c.CommitDailyUsage(context.Background(), "user-1", testDay, 350)
	require.NoError(t, err)
	require.Equal(t, 350, total)
	require.Equal(t, "attribute_not_exists(countByDay.#d)", *db.lastUpdateInput.ConditionExpression)
	require.Equal(t, "5", db.lastUpdateInput.ExpressionAttributeNames["#d"])
}

func TestCommitDailyUsage_SwapsExistingDay(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeUsageItem("user-1", testDay, map[string]int{"5": 900})}}
	c := mustNewClient(t, db)
	total, err := c.CommitDailyUsage(context.Background(), "user-1", testDay, 350)
	require.NoError(t, err)
	require.Equal(t, 1250, total)
	require.Equal(t, "countByDay.#d = :old", *db.lastUpdateInput.ConditionExpression)
	require.Equal(t, "900", db.lastUpdateInput.ExpressionAttributeValues[":old"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "1250", db.lastUpdateInput.ExpressionAttributeValues[":new"].(*types.AttributeValueMemberN).Value)
}

func TestCommitDailyUsage_RetriesAfterLostRace(t *testing.T) {
	// First read sees 900, the swap loses to a concurrent commit, the
	// re-read sees 1000 and the second swap lands.
	db := &fakeDynamo{
		getOuts: []*dynamodb.GetItemOutput{
			{Item: makeUsageItem("user-1", testDay, map[string]int{"5": 900})},
			{Item: makeUsageItem("user-1", testDay, map[string]int{"5": 1000})},
		},
		updateErrs: []error{condFailure(), nil},
	}
	c := mustNewClient(t, db)
	total, err := c.CommitDailyUsage(context.Background(), "user-1", testDay, 350)
	require.NoError(t, err)
	require.Equal(t, 1350, total)
	require.Equal(t, 2, db.updateCalls)
}

func TestCommitDailyUsage_GivesUpAfterMaxRetries(t *testing.T) {
	db := &fakeDynamo{
		getOut:    &dynamodb.GetItemOutput{Item: makeUsageItem("user-1", testDay, map[string]int{"5": 900})},
		updateErr: condFailure(),
	}
	c := mustNewClient(t, db)
	_, err := c.CommitDailyUsage(context.Background(), "user-1", testDay, 350)
	require.ErrorIs(t, err, ErrCommitConflict)
	require.Equal(t, maxCommitRetries, db.updateCalls)
}

func TestCommitDailyUsage_NonConditionalWriteError(t *testing.T) {
	db := &fakeDynamo{
		getOut:    &dynamodb.GetItemOutput{Item: makeUsageItem("user-1", testDay, map[string]int{"5": 900})},
		updateErr: errors.New("internal server error"),
	}
	c := mustNewClient(t, db)
	_, err := c.CommitDailyUsage(context.Background(), "user-1", testDay, 350)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrCommitConflict)
	require.Equal(t, 1, db.updateCalls)
}

func TestWriteAudit_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.WriteAudit(context.Background(), domain.AuditEntry{
		ID:         "audit-1",
		Owner:      "user-1",
		Endpoint:   "/api/chat",
		PromptSize: 123,
		TokensUsed: 456,
		Timestamp:  testDay,
	})
	require.NoError(t, err)
	require.Equal(t, "AUDIT#2026-03-05", db.lastPutInput.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Contains(t, db.lastPutInput.Item["SK"].(*types.AttributeValueMemberS).Value, "LOG#")
	require.Contains(t, db.lastPutInput.Item["SK"].(*types.AttributeValueMemberS).Value, "audit-1")
	require.Equal(t, "456", db.lastPutInput.Item["tokensUsed"].(*types.AttributeValueMemberN).Value)
}

func TestWriteAudit_DynamoError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("boom")}
	c := mustNewClient(t, db)
	err := c.WriteAudit(context.Background(), domain.AuditEntry{ID: "audit-1", Timestamp: testDay})
	require.Error(t, err)
	require.Contains(t, err.Error(), "WriteAudit")
}
