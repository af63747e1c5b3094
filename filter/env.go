package filter

/*
The Env evaluated by message delivery filters. Once this struct is fixed it
should not be changed, otherwise filters attached to history messages may
not compile any more (f.e. if properties are renamed etc.)
*/

// Occupant is the filter-visible view of a room occupant. JID is empty for
// recipients that may not discover real addresses.
type Occupant struct {
	Nick        string
	JID         string
	Role        string
	Affiliation string
}

type Room struct {
	Name      string
	Subject   string
	Moderated bool
	Occupants int
}

type Source struct {
	Occupant
}

type Target struct {
	Occupant
}

type Env struct {
	Room
	Source
	Target
	Body    string
	Created int64

	AsInt         func(string) int64
	AsFloat       func(string) float64
	AsStringSlice func(string) []string
	AsIntSlice    func(string) []int64
	AsFloatSlice  func(string) []float64
}
