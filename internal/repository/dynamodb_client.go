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

	"bedrock-chatbot/internal/domain"
)

const (
	attrSessionID = "SessionId"
	attrTimestamp = "Timestamp"
	attrMessageID = "MessageId"
	attrRole      = "Role"
	attrContent   = "Content"
	attrTTL       = "ttl"

	// TimestampLayout is fixed width so that lexical sort key order matches
	// chronological order.
	TimestampLayout = "2006-01-02T15:04:05.000000Z"

	// Items written by older clients carry naive ISO timestamps without a zone.
	legacyTimestampLayout = "2006-01-02T15:04:05.999999"

	defaultTableWait = 2 * time.Minute
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// ReadWriter defines the conversation history operations consumed by the chat service.
type ReadWriter interface {
	AppendTurn(ctx context.Context, turn domain.Turn) error
	ReadHistory(ctx context.Context, sessionID string) ([]domain.Turn, error)
}

// Client wraps a DynamoDB table holding one item per conversation turn.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	tableWait time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTTL stamps every written turn with an expiry attribute ttl in the future.
// Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.ttl = ttl
	}
}

// WithTableWait bounds how long EnsureTable waits for a new table to become active.
func WithTableWait(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.tableWait = d
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, tableWait: defaultTableWait}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TableName returns the backing table name.
func (c *Client) TableName() string {
	return c.tableName
}

// FormatTimestamp renders ts as a sort key.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a sort key written by FormatTimestamp or by a legacy client.
func ParseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(TimestampLayout, s); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(legacyTimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse timestamp %q: %w", s, err)
	}
	return ts.UTC(), nil
}

// AppendTurn writes one immutable turn item. An existing item with the same
// key is never overwritten.
func (c *Client) AppendTurn(ctx context.Context, turn domain.Turn) error {
	if turn.SessionID == "" {
		return errors.New("repository: AppendTurn: session id is required")
	}
	if turn.Timestamp.IsZero() {
		return errors.New("repository: AppendTurn: timestamp is required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.turnItem(turn),
		ConditionExpression: aws.String("attribute_not_exists(#sid) AND attribute_not_exists(#ts)"),
		ExpressionAttributeNames: map[string]string{
			"#sid": attrSessionID,
			"#ts":  attrTimestamp,
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// ReadHistory returns every turn stored for a session in ascending timestamp
// order. Unknown sessions yield an empty slice.
func (c *Client) ReadHistory(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("#sid = :sid"),
		ExpressionAttributeNames: map[string]string{
			"#sid": attrSessionID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid": &types.AttributeValueMemberS{Value: sessionID},
		},
		ScanIndexForward: aws.Bool(true),
	}

	turns := make([]domain.Turn, 0)
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ReadHistory query: %w", err)
		}
		if out == nil {
			break
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ReadHistory unmarshal: %w", err)
			}
			turns = append(turns, turn)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return turns, nil
}

// Ping verifies the table is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.tableName)})
	if err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

// EnsureTable creates the conversation table when it does not exist and waits
// for it to become active. It reports whether a table was created.
func (c *Client) EnsureTable(ctx context.Context) (bool, error) {
	_, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.tableName)})
	if err == nil {
		return false, nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return false, fmt.Errorf("repository: EnsureTable describe: %w", err)
	}

	_, err = c.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(c.tableName),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrSessionID), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrTimestamp), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrSessionID), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrTimestamp), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
		Tags: []types.Tag{
			{Key: aws.String("Application"), Value: aws.String("BedrockChatbot")},
			{Key: aws.String("Environment"), Value: aws.String("Development")},
		},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return false, nil
		}
		return false, fmt.Errorf("repository: EnsureTable create: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(c.api)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.tableName)}, c.tableWait); err != nil {
		return true, fmt.Errorf("repository: EnsureTable wait: %w", err)
	}
	return true, nil
}

func (c *Client) turnItem(turn domain.Turn) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		attrSessionID: &types.AttributeValueMemberS{Value: turn.SessionID},
		attrTimestamp: &types.AttributeValueMemberS{Value: FormatTimestamp(turn.Timestamp)},
		attrMessageID: &types.AttributeValueMemberS{Value: turn.MessageID},
		attrRole:      &types.AttributeValueMemberS{Value: turn.Role},
		attrContent:   &types.AttributeValueMemberS{Value: turn.Content},
	}
	if c.ttl > 0 {
		item[attrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(turn.Timestamp.Add(c.ttl).Unix(), 10)}
	}
	return item
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	sessionID, err := strAttr(item, attrSessionID)
	if err != nil {
		return domain.Turn{}, err
	}
	rawTS, err := strAttr(item, attrTimestamp)
	if err != nil {
		return domain.Turn{}, err
	}
	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, attrRole)
	if err != nil {
		return domain.Turn{}, err
	}
	content, err := strAttr(item, attrContent)
	if err != nil {
		return domain.Turn{}, err
	}
	messageID, _ := strAttr(item, attrMessageID) // allow empty

	return domain.Turn{
		SessionID: sessionID,
		MessageID: messageID,
		Role:      role,
		Content:   content,
		Timestamp: ts,
	}, nil
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
