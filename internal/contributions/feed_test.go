package contributions

import (
	"context"
	"testing"
	"time"
)

func TestChangeFeedDeliversOnlyMatchingKey(t *testing.T) {
	feed := NewChangeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	matching, cleanupMatching := feed.Subscribe(ctx, TerrainID(testTerrainID), Date(testDate))
	defer cleanupMatching()
	otherDay, cleanupOther := feed.Subscribe(ctx, TerrainID(testTerrainID), Date("2025-05-31"))
	defer cleanupOther()

	feed.Publish(ContributionChange{TerrainID: testTerrainID, Date: testDate, Kind: ChangeKindWritten, Count: 3})

	select {
	case change := <-matching:
		if change.Kind != ChangeKindWritten || change.Count != 3 {
			t.Fatalf("unexpected change: %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected matching subscriber to receive change")
	}
	select {
	case change := <-otherDay:
		t.Fatalf("unexpected delivery to other day: %+v", change)
	default:
	}
}

func TestChangeFeedDropsWhenBufferFull(t *testing.T) {
	feed := NewChangeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := feed.Subscribe(ctx, TerrainID(testTerrainID), Date(testDate))
	defer cleanup()

	for index := 0; index < feed.bufferSize+5; index++ {
		feed.Publish(ContributionChange{TerrainID: testTerrainID, Date: testDate, Kind: ChangeKindWritten, Count: index})
	}
	if len(stream) != feed.bufferSize {
		t.Fatalf("expected buffer of %d pending changes, got %d", feed.bufferSize, len(stream))
	}
}

func TestChangeFeedUnsubscribesOnContextCancel(t *testing.T) {
	feed := NewChangeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	terrainID := TerrainID(testTerrainID)
	date := Date(testDate)

	_, cleanup := feed.Subscribe(ctx, terrainID, date)
	defer cleanup()
	if count := feed.SubscriberCount(terrainID, date); count != 1 {
		t.Fatalf("expected one subscriber, got %d", count)
	}
	cancel()
	waitForSubscribers(t, feed, terrainID, date, 0)

	cleanup()
	if count := feed.SubscriberCount(terrainID, date); count != 0 {
		t.Fatalf("expected repeated cleanup to be harmless, got %d", count)
	}
}

func TestChangeFeedIgnoresIncompleteKeys(t *testing.T) {
	feed := NewChangeFeed()
	stream, cleanup := feed.Subscribe(context.Background(), "", Date(testDate))
	defer cleanup()
	if _, ok := <-stream; ok {
		t.Fatalf("expected closed stream for an incomplete key")
	}
	feed.Publish(ContributionChange{TerrainID: testTerrainID})
}
