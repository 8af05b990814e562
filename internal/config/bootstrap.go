package config

import (
	"context"
)

// DefaultRepository returns the repository written on first run: ONLINE,
// storing entries, with a CSV parser for "timestamp,severity,message"
// lines and a logfmt parser for sources named "logfmt".
func DefaultRepository() RepositoryConfig {
	return RepositoryConfig{
		Name:                  "default",
		DisplayName:           "Default repository",
		Description:           "Created on first start.",
		StartupStatus:         StatusOnline,
		StoreEntries:          true,
		DurableWriteQueue:     true,
		ReadQueueEnabled:      true,
		WriteQueueWorkerCount: 2,
		MaxMemory:             "64MB",
		MaxMemoryPolicy:       "PAGE",
		RedeliveryDelay:       "1s",
		RetentionDays:         30,
		Parsers: []ParserConfig{
			{
				Name:               "logfmt",
				AppliesTo:          AppliesFilteredCSV,
				SourceFilter:       "logfmt",
				Type:               "logfmt",
				MaxKeywords:        IntPtr(InheritKeywords),
				FieldErrorHandling: SkipField,
				Properties:         map[string]string{"severityField": "level"},
				Fields: []FieldConfig{
					{Name: "level", DataType: TypeString, Properties: map[string]string{"optional": "true"}},
					{Name: "msg", DataType: TypeString, Properties: map[string]string{"optional": "true"}},
					{Name: "duration_ms", DataType: TypeLong, Properties: map[string]string{"optional": "true"}},
				},
			},
			{
				Name:               "csv",
				AppliesTo:          AppliesAll,
				Type:               "delimited",
				MaxKeywords:        IntPtr(InheritKeywords),
				FieldErrorHandling: SkipEntry,
				Properties: map[string]string{
					"delimiter":      ",",
					"timestampField": "time",
					"severityField":  "severity",
				},
				Fields: []FieldConfig{
					{Name: "time", DataType: TypeDate, Properties: map[string]string{"column": "1", "format": "yyyy-MM-dd'T'HH:mm:ss.SSSXXX"}},
					{Name: "severity", DataType: TypeString, Properties: map[string]string{"column": "2"}},
					{Name: "message", DataType: TypeString, Properties: map[string]string{"column": "3"}},
				},
			},
		},
	}
}

// Bootstrap writes DefaultRepository when the store holds no repository.
// It reports whether anything was written.
func Bootstrap(ctx context.Context, store *Store) (bool, error) {
	existing, err := store.List(ctx)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	if _, err := store.Put(ctx, DefaultRepository()); err != nil {
		return false, err
	}
	return true, nil
}
