package runtime

import (
	"fmt"

	"github.com/xmidt-org/talaria/sensorlink"
)

// slotTable tracks one fixed-capacity peer table. Slots are reserved before
// the allocating frame is sent, so exhaustion is reported without a wire
// round trip, and committed once the peer names the id.
type slotTable struct {
	name     string
	capacity int
	used     map[sensorlink.Slot]bool
	reserved int
}

func newSlotTable(name string, capacity int) *slotTable {
	return &slotTable{name: name, capacity: capacity, used: make(map[sensorlink.Slot]bool)}
}

func (t *slotTable) free() int {
	return t.capacity - len(t.used) - t.reserved
}

// reserve holds n slots. Slots in freeing are about to be released by the
// same operation and count as available.
func (t *slotTable) reserve(n int, freeing int) error {
	if n > t.free()+freeing {
		return fmt.Errorf("%w: %s table full (%d of %d in use, %d requested)",
			sensorlink.ErrResourceExhausted, t.name, len(t.used)+t.reserved, t.capacity, n)
	}
	t.reserved += n
	return nil
}

func (t *slotTable) unreserve(n int) {
	t.reserved -= n
	if t.reserved < 0 {
		t.reserved = 0
	}
}

// commit converts one reservation into the peer-assigned id.
func (t *slotTable) commit(id sensorlink.Slot) {
	t.unreserve(1)
	t.used[id] = true
}

// claim marks id used without a reservation, for recovered peer state.
func (t *slotTable) claim(id sensorlink.Slot) {
	t.used[id] = true
}

func (t *slotTable) inUse(id sensorlink.Slot) bool {
	return t.used[id]
}

func (t *slotTable) release(id sensorlink.Slot) {
	delete(t.used, id)
}

func (t *slotTable) reset() {
	t.used = make(map[sensorlink.Slot]bool)
	t.reserved = 0
}

func (t *slotTable) count() int {
	return len(t.used)
}
