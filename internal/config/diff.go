package config

// BackendsDiff describes what changed between two backend lists loaded from
// a BACKENDS_FILE reload.
type BackendsDiff struct {
	Changed bool
	Entries []BackendDiff
}

// BackendDiff describes what changed for a single backend key between two
// loads of the backend list.
type BackendDiff struct {
	Key            string
	Added          bool
	Removed        bool
	BaseURLChanged bool
	ModelChanged   bool
	TimeoutChanged bool
}

// Diff compares old and new backend lists and reports what changed. It does
// not itself apply anything to a running [registry.Registry] — callers
// decide whether a given diff is safe to hot-apply or warrants a restart.
func Diff(old, new []BackendConfig) BackendsDiff {
	oldByKey := make(map[string]BackendConfig, len(old))
	for _, b := range old {
		oldByKey[b.Key] = b
	}
	newByKey := make(map[string]BackendConfig, len(new))
	for _, b := range new {
		newByKey[b.Key] = b
	}

	d := BackendsDiff{}

	for key, o := range oldByKey {
		n, exists := newByKey[key]
		if !exists {
			d.Entries = append(d.Entries, BackendDiff{Key: key, Removed: true})
			d.Changed = true
			continue
		}
		bd := BackendDiff{
			Key:            key,
			BaseURLChanged: o.BaseURL != n.BaseURL,
			ModelChanged:   o.ModelID != n.ModelID,
			TimeoutChanged: o.TimeoutMS != n.TimeoutMS,
		}
		if bd.BaseURLChanged || bd.ModelChanged || bd.TimeoutChanged {
			d.Entries = append(d.Entries, bd)
			d.Changed = true
		}
	}

	for key := range newByKey {
		if _, exists := oldByKey[key]; !exists {
			d.Entries = append(d.Entries, BackendDiff{Key: key, Added: true})
			d.Changed = true
		}
	}

	return d
}
