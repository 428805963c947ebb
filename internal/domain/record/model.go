package record

// Record is the clinical record released to an authorized doctor. Both parts
// are free-form documents owned by the data files.
type Record struct {
	Identity map[string]interface{} `json:"identity"`
	Medical  map[string]interface{} `json:"medical"`
}

func emptyRecord() *Record {
	return &Record{
		Identity: map[string]interface{}{},
		Medical:  map[string]interface{}{},
	}
}
