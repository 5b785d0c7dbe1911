package core

import "testing"

func TestSortEventsInPlaceOrdersByBlockThenIndex(t *testing.T) {
	events := []RawEvent{
		{BlockNumber: 5, EventIndexInBlock: 1},
		{BlockNumber: 3, EventIndexInBlock: 9},
		{BlockNumber: 5, EventIndexInBlock: 0},
		{BlockNumber: 3, EventIndexInBlock: 2},
	}
	sortEventsInPlace(events)

	want := [][2]uint64{{3, 2}, {3, 9}, {5, 0}, {5, 1}}
	for i, w := range want {
		if events[i].BlockNumber != w[0] || uint64(events[i].EventIndexInBlock) != w[1] {
			t.Fatalf("position %d: got (block=%d idx=%d), want (block=%d idx=%d)",
				i, events[i].BlockNumber, events[i].EventIndexInBlock, w[0], w[1])
		}
	}
}

func TestSortEventsInPlaceStableOnEmptyAndSingleton(t *testing.T) {
	var none []RawEvent
	sortEventsInPlace(none) // must not panic

	one := []RawEvent{{BlockNumber: 1}}
	sortEventsInPlace(one)
	if one[0].BlockNumber != 1 {
		t.Fatalf("singleton slice mutated unexpectedly")
	}
}
