package crdt

import "testing"

func TestSequenceLocalEditing(testContext *testing.T) {
	sequence := NewSequence("actor-a")

	sequence.InsertAt(0, "hello world")
	if sequence.Text() != "hello world" {
		testContext.Fatalf("unexpected text: %q", sequence.Text())
	}

	sequence.DeleteRange(5, 11)
	if sequence.Text() != "hello" {
		testContext.Fatalf("unexpected text after delete: %q", sequence.Text())
	}

	sequence.InsertAt(5, ", go")
	if sequence.Text() != "hello, go" {
		testContext.Fatalf("unexpected text after insert: %q", sequence.Text())
	}
}

func TestSequenceConvergesUnderConcurrentEdits(testContext *testing.T) {
	replicaA := NewSequence("actor-a")
	replicaB := NewSequence("actor-b")

	seed := replicaA.InsertAt(0, "shared base")
	replicaB.Apply(seed)

	updateA := replicaA.InsertAt(0, "A:")
	updateB := replicaB.InsertAt(replicaB.Len(), ":B")
	deleteA := replicaA.DeleteRange(2, 8)

	// Deliver concurrent updates in different orders to each replica.
	replicaB.Apply(deleteA)
	replicaB.Apply(updateA)
	replicaA.Apply(updateB)

	if replicaA.Text() != replicaB.Text() {
		testContext.Fatalf("replicas diverged: %q vs %q", replicaA.Text(), replicaB.Text())
	}
}

func TestSequenceApplyIsIdempotent(testContext *testing.T) {
	replicaA := NewSequence("actor-a")
	replicaB := NewSequence("actor-b")

	update := replicaA.InsertAt(0, "abc")
	if !replicaB.Apply(update) {
		testContext.Fatalf("expected first apply to change the replica")
	}
	if replicaB.Apply(update) {
		testContext.Fatalf("expected duplicate apply to be a no-op")
	}
	if replicaB.Text() != "abc" {
		testContext.Fatalf("unexpected text: %q", replicaB.Text())
	}

	deletion := replicaA.DeleteRange(1, 2)
	replicaB.Apply(deletion)
	replicaB.Apply(deletion)
	if replicaB.Text() != "ac" {
		testContext.Fatalf("unexpected text after duplicated delete: %q", replicaB.Text())
	}
}

func TestSequenceDeleteArrivingBeforeInsertConverges(testContext *testing.T) {
	replicaA := NewSequence("actor-a")
	replicaB := NewSequence("actor-b")

	insert := replicaA.InsertAt(0, "x")
	deletion := replicaA.DeleteRange(0, 1)

	// Reversed delivery: the delete lands before the insert it refers to.
	replicaB.Apply(deletion)
	replicaB.Apply(insert)

	if replicaB.Text() != "" {
		testContext.Fatalf("expected empty text, got %q", replicaB.Text())
	}
	if replicaA.Text() != replicaB.Text() {
		testContext.Fatalf("replicas diverged: %q vs %q", replicaA.Text(), replicaB.Text())
	}
}

func TestReplaceAllTrimsCommonPrefixAndSuffix(testContext *testing.T) {
	sequence := NewSequence("actor-a")
	sequence.InsertAt(0, "func main() {}")

	update := sequence.ReplaceAll("func main() { run() }")
	if sequence.Text() != "func main() { run() }" {
		testContext.Fatalf("unexpected text: %q", sequence.Text())
	}
	// The shared "func main() {" prefix and "}" suffix must not be rewritten.
	for _, op := range update.Ops {
		if op.Kind == OpDelete {
			testContext.Fatalf("expected pure insertion for an append-style edit")
		}
	}

	if noop := sequence.ReplaceAll(sequence.Text()); len(noop.Ops) != 0 {
		testContext.Fatalf("expected no ops when text already matches, got %d", len(noop.Ops))
	}
}

func TestReplaceAllPropagatesToRemoteReplica(testContext *testing.T) {
	replicaA := NewSequence("actor-a")
	replicaB := NewSequence("actor-b")

	replicaB.Apply(replicaA.InsertAt(0, "one two three"))
	replicaB.Apply(replicaA.ReplaceAll("one 2 three"))

	if replicaB.Text() != "one 2 three" {
		testContext.Fatalf("unexpected remote text: %q", replicaB.Text())
	}
}

func TestUpdateEncodingRoundTrip(testContext *testing.T) {
	sequence := NewSequence("actor-a")
	update := sequence.InsertAt(0, "wire")

	raw, err := EncodeUpdate(update)
	if err != nil {
		testContext.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeUpdate(raw)
	if err != nil {
		testContext.Fatalf("decode failed: %v", err)
	}

	remote := NewSequence("actor-b")
	remote.Apply(decoded)
	if remote.Text() != "wire" {
		testContext.Fatalf("unexpected text after round trip: %q", remote.Text())
	}

	if _, err := DecodeUpdate([]byte("{")); err == nil {
		testContext.Fatalf("expected decode error for malformed payload")
	}
}
