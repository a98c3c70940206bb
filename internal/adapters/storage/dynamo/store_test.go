package dynamo

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/intel-relay/internal/adapters/storage/storagetest"
	"github.com/PabloGalante/intel-relay/internal/domain"
)

func TestItemRoundTrip(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 789, time.UTC)
	in := &item{
		Identity:     "alice",
		Version:      uint64(at.UnixNano()),
		LastActivity: at.UnixNano(),
		Touched:      at.UnixNano(),
		Turns: []storedTurn{
			{Role: domain.RoleUser, Content: "hi", At: at.UnixNano()},
			{Role: domain.RoleAssistant, Content: "hello", At: at.UnixNano()},
		},
	}

	av, err := in.marshal()
	require.NoError(t, err)
	assert.Equal(t, &types.AttributeValueMemberBOOL{Value: true}, av["HasHistory"])

	out, err := unmarshalItem(av)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	sess := out.session("alice")
	require.Len(t, sess.History, 2)
	assert.True(t, sess.LastActivityAt.Equal(at))
	assert.Equal(t, in.Version, sess.Version)
}

func TestTombstoneHasNoHistory(t *testing.T) {
	av, err := (&item{Identity: "bob", Version: 7}).marshal()
	require.NoError(t, err)
	assert.Equal(t, &types.AttributeValueMemberBOOL{Value: false}, av["HasHistory"])

	out, err := unmarshalItem(av)
	require.NoError(t, err)
	assert.True(t, out.session("bob").Empty())
	assert.True(t, out.session("bob").LastActivityAt.IsZero())
}

func TestUnmarshalRejectsBadNumbers(t *testing.T) {
	_, err := unmarshalItem(map[string]types.AttributeValue{
		"Identity": &types.AttributeValueMemberS{Value: "x"},
		"Version":  &types.AttributeValueMemberN{Value: "not-a-number"},
	})
	require.Error(t, err)
}

// The contract runs against DynamoDB Local when RELAY_TEST_DYNAMO_ENDPOINT is set.
func TestStoreContract(t *testing.T) {
	endpoint := os.Getenv("RELAY_TEST_DYNAMO_ENDPOINT")
	if endpoint == "" {
		t.Skip("RELAY_TEST_DYNAMO_ENDPOINT not set")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, "us-east-1", endpoint)
	require.NoError(t, err)

	storagetest.RunConversationStore(t, func(t *testing.T, opts domain.StoreOptions) domain.ConversationStore {
		table := "conversations_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		s := NewStore(client, table, opts)
		require.NoError(t, s.EnsureTable(ctx))
		return s
	})
}
