package graph

import "time"

// Entity is a canonical node: one per (group_id, name).
type Entity struct {
	UID          string    `json:"uid,omitempty"`
	XID          string    `json:"xid,omitempty"`
	GroupID      string    `json:"group_id,omitempty"`
	Name         string    `json:"name,omitempty"`
	EntityType   string    `json:"entity_type,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	MentionCount int       `json:"mention_count,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
	Degree       int       `json:"degree,omitempty"`
}

// Relation is a reified edge: its own node pointing at subject and object
// entities, carrying the human-readable fact sentence that produced it.
type Relation struct {
	UID        string    `json:"uid,omitempty"`
	XID        string    `json:"xid,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	Predicate  string    `json:"predicate,omitempty"`
	Fact       string    `json:"fact,omitempty"`
	SubjectUID string    `json:"-"`
	ObjectUID  string    `json:"-"`
	Subject    *Entity   `json:"subject,omitempty"`
	Object     *Entity   `json:"object,omitempty"`
	BatchID    int64     `json:"batch_id,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	ValidAt    time.Time `json:"valid_at,omitempty"`
	InvalidAt  time.Time `json:"invalid_at,omitempty"`
}

// SubjectName returns the subject's name when it was expanded in a query.
func (r Relation) SubjectName() string {
	if r.Subject != nil {
		return r.Subject.Name
	}
	return ""
}

// ObjectName returns the object's name when it was expanded in a query.
func (r Relation) ObjectName() string {
	if r.Object != nil {
		return r.Object.Name
	}
	return ""
}
