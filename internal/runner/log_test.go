package runner

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogEvictsOldestPastCapacity(t *testing.T) {
	log := NewLog(3)

	for i := 0; i < 5; i++ {
		log.Append(LogEntry{Time: time.Now(), Message: fmt.Sprintf("entry %d", i), Level: LevelInfo})
	}

	entries := log.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, "entry 2", entries[0].Message)
	require.Equal(t, "entry 4", entries[2].Message)
}

func TestLogEntriesIsSnapshot(t *testing.T) {
	log := NewLog(10)
	log.Append(LogEntry{Message: "one", Level: LevelInfo})

	snapshot := log.Entries()
	log.Append(LogEntry{Message: "two", Level: LevelInfo})

	require.Len(t, snapshot, 1)
	require.Len(t, log.Entries(), 2)
}

func TestLogDefaultCapacity(t *testing.T) {
	log := NewLog(0)
	for i := 0; i < DefaultLogCapacity+20; i++ {
		log.Append(LogEntry{Message: fmt.Sprintf("entry %d", i)})
	}
	require.Len(t, log.Entries(), DefaultLogCapacity)
}
