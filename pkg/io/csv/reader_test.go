package csv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const export = "\ufeffId,EventType,BlockchainElectionId,VoterAddress,CandidateId,TxHash,BlockNumber,ChainId,CreatedAt,Extra\n" +
	"3,VoteRevealed,2,0xc,1,0x03,12,31337,2025-03-01T12:02:00Z,x\n" +
	"1,VoteCommitted,1,0xa,1,0x01,10,31337,2025-03-01T12:00:00Z,x\n" +
	"bad,VoteCommitted,1,0xz,1,0x99,99,31337,,x\n" +
	"2,VotingRightGranted,NULL,0xb,,0x02,11,31337,not-a-time\n"

func TestReader(t *testing.T) {
	r, err := NewReader(writeFile(t, export))
	require.NoError(t, err)
	defer r.Close()

	assert.Len(t, r.Headers(), 10)

	events, err := r.Read()
	require.NoError(t, err)
	require.Len(t, events, 3, "row without an id is skipped")

	assert.Equal(t, int64(3), events[0].ID)
	assert.Equal(t, "0xc", events[0].ActorAddress)
	require.NotNil(t, events[0].ElectionID)
	assert.Equal(t, int64(2), *events[0].ElectionID)
	assert.False(t, events[0].CreatedAt.IsZero())

	short := events[2]
	assert.Nil(t, short.ElectionID)
	assert.Zero(t, short.CandidateID)
	assert.True(t, short.CreatedAt.IsZero())
	assert.Equal(t, int64(31337), short.ChainID)
}

func TestReaderRequiresID(t *testing.T) {
	_, err := NewReader(writeFile(t, "EventType,VoterAddress\nVoteCommitted,0xa\n"))
	assert.Error(t, err)

	_, err = NewReader(writeFile(t, ""))
	assert.Error(t, err)

	_, err = NewReader(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestSource(t *testing.T) {
	src := NewSource(writeFile(t, export))
	ctx := context.Background()

	all, err := src.ExportEvents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].ID, all[1].ID, all[2].ID})

	one, err := src.ElectionEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "0xa", one[0].ActorAddress)

	none, err := src.ElectionEvents(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSourceCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSource(writeFile(t, export)).ExportEvents(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
