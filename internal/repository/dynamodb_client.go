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

	"whatsapp-companion/internal/domain"
)

const (
	skProfile   = "PROFILE"
	skPrefixMsg = "MSG#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL on message log items
)

// ErrCountNotAdvanced is returned by SetMessageCount when the stored counter
// is already at or above the requested value.
var ErrCountNotAdvanced = errors.New("repository: message count not advanced")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client wraps a DynamoDB table holding user quota records, conversation
// memory and the message log.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// userPK returns the DynamoDB partition key for a sender.
func userPK(senderID string) string {
	return "USER#" + senderID
}

// msgSK returns the sort key for a message log item.
func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano)
}

func (c *Client) profileKey(senderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: userPK(senderID)},
		"SK": &types.AttributeValueMemberS{Value: skProfile},
	}
}

// GetUser reads the sender's profile item. The boolean is false when no item
// exists.
func (c *Client) GetUser(ctx context.Context, senderID string) (domain.UserRecord, bool, error) {
	item, err := c.getProfile(ctx, senderID)
	if err != nil {
		return domain.UserRecord{}, false, fmt.Errorf("repository: GetUser: %w", err)
	}
	if item == nil {
		return domain.UserRecord{}, false, nil
	}
	user, err := itemToUser(senderID, item)
	if err != nil {
		return domain.UserRecord{}, false, fmt.Errorf("repository: GetUser decode: %w", err)
	}
	return user, true, nil
}

// EnsureUser returns the sender's record, creating a free-tier record with a
// zero counter when none exists yet.
func (c *Client) EnsureUser(ctx context.Context, senderID string) (domain.UserRecord, error) {
	user, found, err := c.GetUser(ctx, senderID)
	if err != nil {
		return domain.UserRecord{}, fmt.Errorf("repository: EnsureUser: %w", err)
	}
	if found {
		return user, nil
	}

	user = domain.UserRecord{
		SenderID:           senderID,
		SubscriptionStatus: domain.SubscriptionFree,
		CreatedAt:          c.now().UTC(),
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                userItem(user),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return user, nil
	}
	if !isConditionalCheckFailed(err) {
		return domain.UserRecord{}, fmt.Errorf("repository: EnsureUser put: %w", err)
	}

	// Lost a creation race; the other writer's record wins.
	user, found, err = c.GetUser(ctx, senderID)
	if err != nil {
		return domain.UserRecord{}, fmt.Errorf("repository: EnsureUser reread: %w", err)
	}
	if !found {
		return domain.UserRecord{}, errors.New("repository: EnsureUser: record vanished after conditional put")
	}
	return user, nil
}

// SetMessageCount writes the counter as a single-item update. The write only
// applies when it moves the counter forward; otherwise ErrCountNotAdvanced is
// returned.
func (c *Client) SetMessageCount(ctx context.Context, senderID string, count int) error {
	if count < 0 {
		return fmt.Errorf("repository: SetMessageCount: negative count %d", count)
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.profileKey(senderID),
		UpdateExpression:    aws.String("SET messagesCount = :n, updatedAt = :u"),
		ConditionExpression: aws.String("attribute_exists(PK) AND (attribute_not_exists(messagesCount) OR messagesCount < :n)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberN{Value: strconv.Itoa(count)},
			":u": &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("repository: SetMessageCount %d: %w", count, ErrCountNotAdvanced)
		}
		return fmt.Errorf("repository: SetMessageCount: %w", err)
	}
	return nil
}

// GetConversation returns the stored conversation memory. A missing item
// yields an empty state.
func (c *Client) GetConversation(ctx context.Context, senderID string) (domain.ConversationState, error) {
	item, err := c.getProfile(ctx, senderID)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if item == nil {
		return domain.EmptyConversation(), nil
	}
	state, err := itemToConversation(item)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return state, nil
}

// SaveConversation writes history, context and summary together in one
// update so no field can clobber another.
func (c *Client) SaveConversation(ctx context.Context, senderID string, state domain.ConversationState) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              c.profileKey(senderID),
		UpdateExpression: aws.String("SET conversationHistory = :h, conversationContext = :c, conversationSummary = :s, updatedAt = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":h": historyAttr(state.History),
			":c": contextAttr(state.Context),
			":s": &types.AttributeValueMemberS{Value: state.Summary},
			":u": &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveConversation: %w", err)
	}
	return nil
}

// WriteMessage persists a message log record.
func (c *Client) WriteMessage(ctx context.Context, msg domain.MessageLog) error {
	if msg.PK == "" || msg.SK == "" {
		return errors.New("repository: WriteMessage: PK and SK are required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: WriteMessage: %w", err)
	}
	return nil
}

// LogExchange records one answered interaction.
func (c *Client) LogExchange(ctx context.Context, senderID, interactionID, question, answer string, isPaid bool, tokens int) error {
	return c.WriteMessage(ctx, NewMessageLog(senderID, interactionID, question, answer, isPaid, tokens))
}

// NewMessageLog constructs a MessageLog with PK/SK/TTL set from the sender
// and the current time.
func NewMessageLog(senderID, interactionID, question, answer string, isPaid bool, tokens int) domain.MessageLog {
	now := time.Now().UTC()
	return domain.MessageLog{
		PK:            userPK(senderID),
		SK:            msgSK(now),
		SenderID:      senderID,
		InteractionID: interactionID,
		Question:      question,
		Answer:        answer,
		IsPaid:        isPaid,
		TokensUsed:    tokens,
		CreatedAt:     now.Format(time.RFC3339),
		TTL:           now.Add(ttlDuration).Unix(),
	}
}

func (c *Client) getProfile(ctx context.Context, senderID string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.profileKey(senderID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func itemToUser(senderID string, item map[string]types.AttributeValue) (domain.UserRecord, error) {
	user := domain.UserRecord{
		SenderID:           senderID,
		SubscriptionStatus: domain.SubscriptionFree,
	}

	if _, ok := item["messagesCount"]; ok {
		n, err := intAttr(item, "messagesCount")
		if err != nil {
			return domain.UserRecord{}, err
		}
		user.MessagesCount = n
	}
	if status, err := strAttr(item, "subscriptionStatus"); err == nil && status != "" {
		user.SubscriptionStatus = domain.SubscriptionStatus(status)
	}
	if raw, err := strAttr(item, "subscriptionEndDate"); err == nil && raw != "" {
		end, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.UserRecord{}, fmt.Errorf("repository: parse attribute %q: %w", "subscriptionEndDate", err)
		}
		user.SubscriptionEndDate = end
	}
	if raw, err := strAttr(item, "createdAt"); err == nil && raw != "" {
		if created, err := time.Parse(time.RFC3339, raw); err == nil {
			user.CreatedAt = created
		}
	}
	return user, nil
}

func itemToConversation(item map[string]types.AttributeValue) (domain.ConversationState, error) {
	state := domain.EmptyConversation()
	state.Summary, _ = strAttr(item, "conversationSummary") // allow empty

	if v, ok := item["conversationContext"]; ok {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return domain.ConversationState{}, fmt.Errorf("repository: attribute %q is not a map", "conversationContext")
		}
		for key, val := range m.Value {
			if s, ok := val.(*types.AttributeValueMemberS); ok {
				state.Context[key] = s.Value
			}
		}
	}

	if v, ok := item["conversationHistory"]; ok {
		l, ok := v.(*types.AttributeValueMemberL)
		if !ok {
			return domain.ConversationState{}, fmt.Errorf("repository: attribute %q is not a list", "conversationHistory")
		}
		for i, entry := range l.Value {
			m, ok := entry.(*types.AttributeValueMemberM)
			if !ok {
				return domain.ConversationState{}, fmt.Errorf("repository: conversationHistory[%d] is not a map", i)
			}
			role, err := strAttr(m.Value, "role")
			if err != nil {
				return domain.ConversationState{}, fmt.Errorf("repository: conversationHistory[%d]: %w", i, err)
			}
			content, err := strAttr(m.Value, "content")
			if err != nil {
				return domain.ConversationState{}, fmt.Errorf("repository: conversationHistory[%d]: %w", i, err)
			}
			state.History = append(state.History, domain.ChatMessage{Role: role, Content: content})
		}
	}
	return state, nil
}

func userItem(user domain.UserRecord) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":                 &types.AttributeValueMemberS{Value: userPK(user.SenderID)},
		"SK":                 &types.AttributeValueMemberS{Value: skProfile},
		"phoneNumber":        &types.AttributeValueMemberS{Value: user.SenderID},
		"messagesCount":      &types.AttributeValueMemberN{Value: strconv.Itoa(user.MessagesCount)},
		"subscriptionStatus": &types.AttributeValueMemberS{Value: string(user.SubscriptionStatus)},
		"createdAt":          &types.AttributeValueMemberS{Value: user.CreatedAt.UTC().Format(time.RFC3339)},
	}
	if !user.SubscriptionEndDate.IsZero() {
		item["subscriptionEndDate"] = &types.AttributeValueMemberS{Value: user.SubscriptionEndDate.UTC().Format(time.RFC3339)}
	}
	return item
}

func historyAttr(history []domain.ChatMessage) *types.AttributeValueMemberL {
	list := make([]types.AttributeValue, 0, len(history))
	for _, m := range history {
		list = append(list, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role":    &types.AttributeValueMemberS{Value: m.Role},
			"content": &types.AttributeValueMemberS{Value: m.Content},
		}})
	}
	return &types.AttributeValueMemberL{Value: list}
}

func contextAttr(ctx map[string]string) *types.AttributeValueMemberM {
	m := make(map[string]types.AttributeValue, len(ctx))
	for k, v := range ctx {
		m[k] = &types.AttributeValueMemberS{Value: v}
	}
	return &types.AttributeValueMemberM{Value: m}
}

func messageItem(msg domain.MessageLog) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: msg.PK},
		"SK":            &types.AttributeValueMemberS{Value: msg.SK},
		"phoneNumber":   &types.AttributeValueMemberS{Value: msg.SenderID},
		"interactionId": &types.AttributeValueMemberS{Value: msg.InteractionID},
		"question":      &types.AttributeValueMemberS{Value: msg.Question},
		"response":      &types.AttributeValueMemberS{Value: msg.Answer},
		"isPaid":        &types.AttributeValueMemberBOOL{Value: msg.IsPaid},
		"tokensUsed":    &types.AttributeValueMemberN{Value: strconv.Itoa(msg.TokensUsed)},
		"createdAt":     &types.AttributeValueMemberS{Value: msg.CreatedAt},
		"ttl":           &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.TTL, 10)},
	}
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
