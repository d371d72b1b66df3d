package domain

// TableStatus is the seating state of a restaurant table.
type TableStatus string

const (
	TableAvailable TableStatus = "Available"
	TableOccupied  TableStatus = "Occupied"
	TableFull      TableStatus = "Full"
	TableBooked    TableStatus = "Booked"
)

// Table is a restaurant table.
type Table struct {
	ID               string      `json:"id"`
	TenantID         string      `json:"tenant_id"`
	Name             string      `json:"name,omitempty"`
	Capacity         int         `json:"capacity"`
	CurrentOccupancy int         `json:"current_occupancy"`
	Status           TableStatus `json:"status"`
	IsSynced         bool        `json:"is_synced"`
}

// Key implements the store's keyed-record contract.
func (t Table) Key() (id, tenantID string) { return t.ID, t.TenantID }

// StatusFor derives the seating status for an occupancy level. A booked table
// stays booked while nobody is seated.
func StatusFor(current TableStatus, occupancy, capacity int) TableStatus {
	switch {
	case occupancy <= 0 && current == TableBooked:
		return TableBooked
	case occupancy <= 0:
		return TableAvailable
	case capacity > 0 && occupancy >= capacity:
		return TableFull
	default:
		return TableOccupied
	}
}

// Seat adds people to the table.
func (t Table) Seat(people int) Table {
	t.CurrentOccupancy += people
	if t.Status == TableBooked {
		t.Status = TableOccupied
	}
	t.Status = StatusFor(t.Status, t.CurrentOccupancy, t.Capacity)
	return t
}

// Release removes people from the table, flooring occupancy at zero. A full
// release always frees the table, including a booking it was seated from.
func (t Table) Release(people int) Table {
	t.CurrentOccupancy -= people
	if t.CurrentOccupancy < 0 {
		t.CurrentOccupancy = 0
	}
	if t.CurrentOccupancy == 0 {
		t.Status = TableAvailable
		return t
	}
	t.Status = StatusFor(t.Status, t.CurrentOccupancy, t.Capacity)
	return t
}

// Patch returns the fields that changed between t and next.
func (t Table) Patch(next Table) TablePatch {
	var p TablePatch
	if next.CurrentOccupancy != t.CurrentOccupancy {
		occ := next.CurrentOccupancy
		p.CurrentOccupancy = &occ
	}
	if next.Status != t.Status {
		st := next.Status
		p.Status = &st
	}
	if next.Capacity != t.Capacity {
		c := next.Capacity
		p.Capacity = &c
	}
	if next.Name != t.Name {
		n := next.Name
		p.Name = &n
	}
	return p
}

// TablePatch is a direct field patch on a table row.
type TablePatch struct {
	CurrentOccupancy *int         `json:"current_occupancy,omitempty"`
	Status           *TableStatus `json:"status,omitempty"`
	Capacity         *int         `json:"capacity,omitempty"`
	Name             *string      `json:"name,omitempty"`
}

// Apply writes the set fields onto t.
func (p TablePatch) Apply(t *Table) {
	if p.CurrentOccupancy != nil {
		t.CurrentOccupancy = *p.CurrentOccupancy
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Capacity != nil {
		t.Capacity = *p.Capacity
	}
	if p.Name != nil {
		t.Name = *p.Name
	}
}

// Empty reports whether the patch changes nothing.
func (p TablePatch) Empty() bool {
	return p.CurrentOccupancy == nil && p.Status == nil && p.Capacity == nil && p.Name == nil
}
