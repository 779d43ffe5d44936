package settlement

import (
	"testing"
	"time"

	"github.com/housegrid/rowgrid/internal/snapshot"
)

func sample(elapsed time.Duration, price, row float64) snapshot.Sample {
	return snapshot.Sample{Elapsed: elapsed, CurrentPrice: price, CurrentRow: row}
}

func TestResolveHitBySnapshots_ZeroSnapshotsFallsBackToRoundEnd(t *testing.T) {
	bet := Bet{TargetRow: 2.0, TargetTime: 10 * time.Second}
	end := sample(60*time.Second, 100, 2.1)

	hit, details := ResolveHitBySnapshots(bet, nil, &end, 0.5, 0.25)
	if !hit {
		t.Fatal("expected a hit against the round-end fallback sample")
	}
	if details == nil || !details.UsedFallback {
		t.Error("expected UsedFallback to be set")
	}
}

func TestResolveHitBySnapshots_ZeroSnapshotsNoRoundEnd(t *testing.T) {
	bet := Bet{TargetRow: 2.0, TargetTime: 10 * time.Second}

	hit, details := ResolveHitBySnapshots(bet, nil, nil, 0.5, 0.25)
	if hit || details != nil {
		t.Error("expected no hit when there are no snapshots and no fallback sample")
	}
}

func TestResolveHitBySnapshots_SingleSnapshotWithinTolerance(t *testing.T) {
	bet := Bet{TargetRow: 2.0, TargetTime: 10 * time.Second}
	samples := []snapshot.Sample{sample(10*time.Second, 100, 2.3)}

	hit, details := ResolveHitBySnapshots(bet, samples, nil, 0.5, 0.25)
	if !hit {
		t.Fatal("expected a hit within row tolerance")
	}
	if details.UsedFallback {
		t.Error("direct single-snapshot match should not be marked as fallback")
	}
}

func TestResolveHitBySnapshots_SingleSnapshotOutsideTolerance(t *testing.T) {
	bet := Bet{TargetRow: 2.0, TargetTime: 10 * time.Second}
	samples := []snapshot.Sample{sample(10*time.Second, 100, 5.0)}

	hit, _ := ResolveHitBySnapshots(bet, samples, nil, 0.5, 0.25)
	if hit {
		t.Error("expected no hit outside row tolerance")
	}
}

func TestResolveHitBySnapshots_MultiSnapshotCrossing(t *testing.T) {
	bet := Bet{TargetRow: 2.0, TargetTime: 10 * time.Second}
	samples := []snapshot.Sample{
		sample(9800*time.Millisecond, 100, 1.0),
		sample(10200*time.Millisecond, 101, 3.0),
	}

	hit, details := ResolveHitBySnapshots(bet, samples, nil, 0.1, 0.25)
	if !hit {
		t.Fatal("expected a hit: target row 2.0 lies between consecutive samples 1.0 and 3.0")
	}
	if details.HitRow != 3.0 {
		t.Errorf("expected hit details to report the later sample's row; got %v", details.HitRow)
	}
}

func TestResolveHitBySnapshots_MultiSnapshotNoCrossing(t *testing.T) {
	bet := Bet{TargetRow: 10.0, TargetTime: 10 * time.Second}
	samples := []snapshot.Sample{
		sample(9800*time.Millisecond, 100, 1.0),
		sample(10200*time.Millisecond, 101, 1.2),
	}

	hit, _ := ResolveHitBySnapshots(bet, samples, nil, 0.1, 0.25)
	if hit {
		t.Error("expected no hit: target row never falls between the sample pair")
	}
}
