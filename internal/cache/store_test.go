package cache

import (
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SnapshotStore", func() {
	newSnapshot := func(at time.Time) *Snapshot {
		return &Snapshot{
			Records: []VolumeUsageRecord{
				{Namespace: "default", ClaimName: "data", CapacityBytes: 100, UsedBytes: 10, AvailableBytes: 90, Available: true},
			},
			CapturedAt: at,
		}
	}

	When("no snapshot has been published", func() {
		It("returns nil from Current", func() {
			store := NewSnapshotStore()
			Expect(store.Current()).To(BeNil())
			Expect(store.Status().Attempts).To(BeZero())
		})
	})

	When("a snapshot is published", func() {
		It("returns the identical snapshot on every read until the next publish", func() {
			store := NewSnapshotStore()
			snap := newSnapshot(time.Now())
			store.Publish(snap)

			first := store.Current()
			second := store.Current()
			Expect(first).To(BeIdenticalTo(snap))
			Expect(second).To(BeIdenticalTo(first))

			next := newSnapshot(time.Now())
			store.Publish(next)
			Expect(store.Current()).To(BeIdenticalTo(next))
		})

		It("tracks the attempt in the status", func() {
			store := NewSnapshotStore()
			at := time.Now()
			snap := newSnapshot(at)
			snap.Outcome = OutcomePartialFailure
			snap.FailedClaims = 1
			store.Publish(snap)

			status := store.Status()
			Expect(status.Attempts).To(Equal(uint64(1)))
			Expect(status.Failures).To(BeZero())
			Expect(status.LastOutcome).To(Equal(OutcomePartialFailure))
			Expect(status.LastAttempt).To(Equal(at))
		})
	})

	When("a collection cycle fails entirely", func() {
		It("keeps the previous snapshot and records the failure", func() {
			store := NewSnapshotStore()
			snap := newSnapshot(time.Now().Add(-time.Minute))
			store.Publish(snap)

			at := time.Now()
			store.RecordFailure(at, errors.New("apiserver unreachable"))

			Expect(store.Current()).To(BeIdenticalTo(snap))
			status := store.Status()
			Expect(status.Attempts).To(Equal(uint64(2)))
			Expect(status.Failures).To(Equal(uint64(1)))
			Expect(status.LastOutcome).To(Equal(OutcomeTotalFailure))
			Expect(status.LastError).To(ContainSubstring("apiserver unreachable"))
		})
	})

	When("readers and the writer race", func() {
		It("readers always observe a complete snapshot", func() {
			store := NewSnapshotStore()
			stop := make(chan struct{})

			var wg sync.WaitGroup
			for range 4 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						select {
						case <-stop:
							return
						default:
						}
						if snap := store.Current(); snap != nil {
							Expect(snap.Records).To(HaveLen(1))
							Expect(snap.CapturedAt.IsZero()).To(BeFalse())
						}
					}
				}()
			}

			for range 100 {
				store.Publish(newSnapshot(time.Now()))
			}
			close(stop)
			wg.Wait()
		})
	})
})

var _ = Describe("Snapshot", func() {
	It("orders records by key", func() {
		snap := &Snapshot{
			Records: []VolumeUsageRecord{
				{Namespace: "zoo", ClaimName: "a"},
				{Namespace: "app", ClaimName: "b"},
				{Namespace: "app", ClaimName: "a"},
			},
		}
		snap.SortRecords()
		Expect(snap.Records[0].Key()).To(Equal("app/a"))
		Expect(snap.Records[1].Key()).To(Equal("app/b"))
		Expect(snap.Records[2].Key()).To(Equal("zoo/a"))
	})

	It("reports its age relative to the capture time", func() {
		at := time.Now()
		snap := &Snapshot{CapturedAt: at}
		Expect(snap.Age(at.Add(90 * time.Second))).To(Equal(90 * time.Second))
	})
})
