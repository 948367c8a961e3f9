// Package audittest checks audit.Store implementations against the behaviour
// the log, the HTTP layer and the monitor rely on.
package audittest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/ids"
)

// Run exercises store. Subjects are unique per call, so a shared database
// needs no cleanup between runs.
func Run(t *testing.T, store audit.Store) {
	t.Helper()
	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)

	t.Run("query keeps the newest events oldest first", func(t *testing.T) {
		ctx := context.Background()
		subject := uuid.NewString()
		var batch []audit.Event
		for i := 0; i < 5; i++ {
			at := base.Add(time.Duration(i) * time.Minute)
			batch = append(batch, event(subject, at, i))
		}
		// A foreign subject's newer events never count toward the limit.
		batch = append(batch, event(uuid.NewString(), base.Add(10*time.Minute), 99))
		require.NoError(t, store.Append(ctx, batch))

		cases := []struct {
			name  string
			query audit.Query
			want  []int
		}{
			{"limit", audit.Query{SubjectID: subject, Limit: 2}, []int{3, 4}},
			{"all", audit.Query{SubjectID: subject, Limit: 10}, []int{0, 1, 2, 3, 4}},
			{"since", audit.Query{SubjectID: subject, Since: base.Add(time.Minute), Limit: 2}, []int{3, 4}},
			{"until", audit.Query{SubjectID: subject, Until: base.Add(2 * time.Minute), Limit: 2}, []int{1, 2}},
			{"type", audit.Query{SubjectID: subject, Type: audit.TypeDataModification, Limit: 10}, nil},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				got, err := store.Query(ctx, tc.query)
				require.NoError(t, err)
				require.Equal(t, tc.want, order(got))
			})
		}
	})

	t.Run("timestamp ties keep append order", func(t *testing.T) {
		ctx := context.Background()
		subject := uuid.NewString()
		at := base.Add(20 * time.Minute)
		require.NoError(t, store.Append(ctx, []audit.Event{event(subject, at, 0), event(subject, at, 1), event(subject, at, 2)}))
		got, err := store.Query(ctx, audit.Query{SubjectID: subject, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, []int{1, 2}, order(got))
	})

	t.Run("tail follows append order and skips duplicates", func(t *testing.T) {
		ctx := context.Background()
		subject := uuid.NewString()
		start, err := store.SeqBefore(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)

		// IDs stamped out of order, as a retried batch from another writer would be.
		late := event(subject, base.Add(30*time.Minute), 1)
		early := event(subject, base.Add(29*time.Minute), 0)
		require.NoError(t, store.Append(ctx, []audit.Event{late}))
		require.NoError(t, store.Append(ctx, []audit.Event{early, late}))

		events, err := store.Tail(ctx, start, 10)
		require.NoError(t, err)
		var mine []audit.Event
		for _, ev := range events {
			if ev.SubjectID == subject {
				mine = append(mine, ev)
			}
		}
		require.Equal(t, []int{1, 0}, order(mine))
		require.Less(t, mine[0].Seq, mine[1].Seq)

		after, err := store.Tail(ctx, mine[1].Seq, 10)
		require.NoError(t, err)
		for _, ev := range after {
			require.NotEqual(t, subject, ev.SubjectID)
		}

		from, err := store.SeqBefore(ctx, base.Add(30*time.Minute))
		require.NoError(t, err)
		require.Less(t, from, mine[0].Seq)
	})
}

func event(subject string, at time.Time, n int) audit.Event {
	return audit.Event{
		ID:        ids.NewAt(at),
		Timestamp: at,
		Type:      audit.TypeRequest,
		SubjectID: subject,
		Outcome:   audit.OutcomeSuccess,
		Details:   map[string]any{"n": n},
	}
}

// order returns the "n" detail of each event, which works for values that
// went through JSON as well as in-memory ints.
func order(events []audit.Event) []int {
	var out []int
	for _, ev := range events {
		switch n := ev.Details["n"].(type) {
		case int:
			out = append(out, n)
		case float64:
			out = append(out, int(n))
		}
	}
	return out
}
