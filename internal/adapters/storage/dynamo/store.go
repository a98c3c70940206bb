// Package dynamo keeps conversations in a DynamoDB table, one item per identity.
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

const DefaultTable = "Conversations"

// maxResetAttempts bounds retries when a reset races another writer.
const maxResetAttempts = 16

type Store struct {
	db    *dynamodb.Client
	table string
	opts  domain.StoreOptions
	now   func() time.Time
}

var _ domain.ConversationStore = (*Store)(nil)

// NewClient builds a DynamoDB client. A non-empty endpoint points it at a
// local DynamoDB with dummy credentials.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint}, nil
		})
		opts = append(opts,
			config.WithEndpointResolverWithOptions(resolver),
			config.WithCredentialsProvider(credentials.StaticCredentialsProvider{
				Value: aws.Credentials{AccessKeyID: "dummy", SecretAccessKey: "dummy", SessionToken: "dummy"},
			}),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

func NewStore(db *dynamodb.Client, table string, opts domain.StoreOptions) *Store {
	if table == "" {
		table = DefaultTable
	}
	if opts.TTL <= 0 {
		opts.TTL = domain.DefaultSessionTTL
	}
	return &Store{db: db, table: table, opts: opts, now: time.Now}
}

// EnsureTable creates the table when it does not exist yet.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("Identity"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("Identity"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// ─────────────────────────────────────────
// Item codec
// ─────────────────────────────────────────

// item is one identity's row. Times are unix nanoseconds.
type item struct {
	Identity     domain.Identity
	Version      uint64
	LastActivity int64
	Touched      int64
	Turns        []storedTurn
}

type storedTurn struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
	At      int64       `json:"at"`
}

func num(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func (it *item) marshal() (map[string]types.AttributeValue, error) {
	turns, err := json.Marshal(it.Turns)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		"Identity":     &types.AttributeValueMemberS{Value: string(it.Identity)},
		"Version":      &types.AttributeValueMemberN{Value: strconv.FormatUint(it.Version, 10)},
		"LastActivity": num(it.LastActivity),
		"Touched":      num(it.Touched),
		"HasHistory":   &types.AttributeValueMemberBOOL{Value: len(it.Turns) > 0},
		"Turns":        &types.AttributeValueMemberS{Value: string(turns)},
	}, nil
}

func unmarshalItem(av map[string]types.AttributeValue) (*item, error) {
	it := &item{}
	if v, ok := av["Identity"].(*types.AttributeValueMemberS); ok {
		it.Identity = domain.Identity(v.Value)
	}
	if v, ok := av["Version"].(*types.AttributeValueMemberN); ok {
		n, err := strconv.ParseUint(v.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode Version: %w", err)
		}
		it.Version = n
	}
	for name, dst := range map[string]*int64{"LastActivity": &it.LastActivity, "Touched": &it.Touched} {
		if v, ok := av[name].(*types.AttributeValueMemberN); ok {
			n, err := strconv.ParseInt(v.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", name, err)
			}
			*dst = n
		}
	}
	if v, ok := av["Turns"].(*types.AttributeValueMemberS); ok && v.Value != "" {
		if err := json.Unmarshal([]byte(v.Value), &it.Turns); err != nil {
			return nil, fmt.Errorf("decode Turns: %w", err)
		}
	}
	return it, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (it *item) session(id domain.Identity) *domain.Session {
	sess := &domain.Session{
		Identity:       id,
		LastActivityAt: fromNanos(it.LastActivity),
		Version:        it.Version,
	}
	for _, t := range it.Turns {
		sess.History = append(sess.History, domain.Turn{Role: t.Role, Content: t.Content, At: fromNanos(t.At)})
	}
	return sess
}

// ─────────────────────────────────────────
// ConversationStore implementation
// ─────────────────────────────────────────

func (s *Store) key(id domain.Identity) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"Identity": &types.AttributeValueMemberS{Value: string(id)},
	}
}

func (s *Store) load(ctx context.Context, id domain.Identity) (*item, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return &item{Identity: id}, nil
	}
	return unmarshalItem(out.Item)
}

// put writes it only if the stored version is still expected.
func (s *Store) put(ctx context.Context, it *item, expected uint64) error {
	av, err := it.marshal()
	if err != nil {
		return err
	}

	in := &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: av}
	if expected == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(Identity)")
	} else {
		in.ConditionExpression = aws.String("Version = :v")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatUint(expected, 10)},
		}
	}

	_, err = s.db.PutItem(ctx, in)
	var failed *types.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		return domain.ErrVersionConflict
	}
	return err
}

func (s *Store) Get(ctx context.Context, id domain.Identity) (*domain.Session, error) {
	it, err := s.load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dynamodb Get: %w", err)
	}
	return it.session(id), nil
}

func (s *Store) Append(
	ctx context.Context,
	id domain.Identity,
	expectedVersion uint64,
	turns ...domain.Turn,
) (*domain.Session, error) {
	it, err := s.load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dynamodb Append: %w", err)
	}
	if it.Version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}
	if len(turns) == 0 {
		return it.session(id), nil
	}

	for _, t := range turns {
		it.Turns = append(it.Turns, storedTurn{Role: t.Role, Content: t.Content, At: nanos(t.At)})
	}
	if limit := s.opts.MaxHistory; limit > 0 && len(it.Turns) > limit {
		it.Turns = it.Turns[len(it.Turns)-limit:]
	}
	now := s.now()
	it.Version = domain.NextVersion(expectedVersion, now)
	it.LastActivity = nanos(turns[len(turns)-1].At)
	it.Touched = now.UnixNano()

	if err := s.put(ctx, it, expectedVersion); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("dynamodb Append: %w", err)
	}
	return it.session(id), nil
}

func (s *Store) Reset(ctx context.Context, id domain.Identity) (bool, error) {
	for attempt := 0; attempt < maxResetAttempts; attempt++ {
		it, err := s.load(ctx, id)
		if err != nil {
			return false, fmt.Errorf("dynamodb Reset: %w", err)
		}

		// The item stays as a tombstone carrying the bumped version.
		now := s.now()
		tomb := &item{
			Identity: id,
			Version:  domain.NextVersion(it.Version, now),
			Touched:  now.UnixNano(),
		}
		err = s.put(ctx, tomb, it.Version)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("dynamodb Reset: %w", err)
		}
		return len(it.Turns) > 0, nil
	}
	return false, fmt.Errorf("dynamodb Reset: too much contention on %s", id)
}

// scan visits every item matching filter.
func (s *Store) scan(ctx context.Context, in *dynamodb.ScanInput, visit func(*item) error) error {
	in.TableName = aws.String(s.table)
	in.ConsistentRead = aws.Bool(true)

	pages := dynamodb.NewScanPaginator(s.db, in)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, av := range page.Items {
			it, err := unmarshalItem(av)
			if err != nil {
				return err
			}
			if err := visit(it); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResetAll resets every stored item one conditional write at a time.
func (s *Store) ResetAll(ctx context.Context) (int, error) {
	cleared := 0
	err := s.scan(ctx, &dynamodb.ScanInput{ProjectionExpression: aws.String("Identity")}, func(it *item) error {
		had, err := s.Reset(ctx, it.Identity)
		if had {
			cleared++
		}
		return err
	})
	if err != nil {
		return cleared, fmt.Errorf("dynamodb ResetAll: %w", err)
	}
	return cleared, nil
}

func (s *Store) TimeUntilExpiry(ctx context.Context, id domain.Identity, now time.Time) (time.Duration, bool, error) {
	it, err := s.load(ctx, id)
	if err != nil {
		return 0, false, fmt.Errorf("dynamodb TimeUntilExpiry: %w", err)
	}
	if len(it.Turns) == 0 {
		return 0, false, nil
	}
	return domain.RemainingTTL(fromNanos(it.LastActivity), now, s.opts.TTL), true, nil
}

func (s *Store) Stats(ctx context.Context, now time.Time) (domain.StoreStats, error) {
	var stats domain.StoreStats
	err := s.scan(ctx, &dynamodb.ScanInput{
		FilterExpression:          aws.String("HasHistory = :t"),
		ProjectionExpression:      aws.String("LastActivity"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":t": &types.AttributeValueMemberBOOL{Value: true}},
	}, func(it *item) error {
		stats.Total++
		if !domain.IsExpired(fromNanos(it.LastActivity), now, s.opts.TTL) {
			stats.Active++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("dynamodb Stats: %w", err)
	}
	return stats, nil
}

// Sweep deletes expired conversations and tombstones idle for longer than the
// TTL. Each delete is conditional on the version seen by the scan.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.opts.TTL).UnixNano()
	removed := 0

	err := s.scan(ctx, &dynamodb.ScanInput{
		FilterExpression:          aws.String("LastActivity < :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":cutoff": num(cutoff)},
	}, func(it *item) error {
		history := len(it.Turns) > 0
		switch {
		case history && domain.IsExpired(fromNanos(it.LastActivity), now, s.opts.TTL):
		case !history && it.Touched < cutoff:
		default:
			return nil
		}

		_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(s.table),
			Key:                 s.key(it.Identity),
			ConditionExpression: aws.String("Version = :v"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberN{Value: strconv.FormatUint(it.Version, 10)},
			},
		})
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			return nil
		}
		if err != nil {
			return err
		}
		if history {
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("dynamodb Sweep: %w", err)
	}
	return removed, nil
}
