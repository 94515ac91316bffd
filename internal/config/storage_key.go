package config

import "fmt"

type StorageKeyStruct struct {
	// SubmittedModules holds the JSON array of submitted module ids.
	SubmittedModules string
	// ClearCacheFlag triggers a one-shot wipe of persisted practice results.
	ClearCacheFlag string
	resultPrefix   string
}

func NewStorageKeyStruct() *StorageKeyStruct {
	return &StorageKeyStruct{
		SubmittedModules: "practice_submitted_modules",
		ClearCacheFlag:   "practice_clear_cache",
		resultPrefix:     "practice_result_",
	}
}

// PracticeResultKey returns the key holding the persisted result of a module
func (k *StorageKeyStruct) PracticeResultKey(moduleID string) string {
	return k.resultPrefix + moduleID
}

// PracticeResultPrefix returns the prefix shared by all persisted results
func (k *StorageKeyStruct) PracticeResultPrefix() string {
	return k.resultPrefix
}

// StudentNamespace returns the durable-store namespace of a student
func (k *StorageKeyStruct) StudentNamespace(studentID int) string {
	return fmt.Sprintf("student:%d:", studentID)
}

var StorageKey = NewStorageKeyStruct()
