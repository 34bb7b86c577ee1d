package protocol

import (
	"testing"
	"time"

	"github.com/tbourn/go-messaging-backend/internal/domain"
)

func msgAt(id string, at time.Time) domain.Message {
	return domain.Message{ID: id, CreatedAt: at}
}

func TestInOrder(t *testing.T) {
	base := time.Now().UTC()

	ordered := []domain.Message{
		msgAt("a", base),
		msgAt("b", base.Add(time.Second)),
		msgAt("c", base.Add(2*time.Second)),
	}
	if !InOrder(ordered) {
		t.Fatal("ordered list reported out of order")
	}

	shuffled := []domain.Message{
		msgAt("b", base.Add(time.Second)),
		msgAt("a", base),
	}
	if InOrder(shuffled) {
		t.Fatal("shuffled list reported in order")
	}

	// Equal timestamps break ties on ID.
	tied := []domain.Message{msgAt("b", base), msgAt("a", base)}
	if InOrder(tied) {
		t.Fatal("tied timestamps with reversed ids reported in order")
	}

	if !InOrder(nil) || !InOrder([]domain.Message{msgAt("a", base)}) {
		t.Fatal("trivial lists must be in order")
	}
}

func TestSortByCreatedAt(t *testing.T) {
	base := time.Now().UTC()

	msgs := []domain.Message{
		msgAt("c", base.Add(2*time.Second)),
		msgAt("a", base),
		msgAt("b", base.Add(time.Second)),
		msgAt("d", base.Add(time.Second)), // tied with b, ID breaks the tie
	}
	got := SortByCreatedAt(msgs)
	if !InOrder(got) {
		t.Fatalf("sorted list fails InOrder: %+v", got)
	}
	wantIDs := []string{"a", "b", "d", "c"}
	for i, w := range wantIDs {
		if got[i].ID != w {
			t.Fatalf("position %d = %s, want %s", i, got[i].ID, w)
		}
	}
}
