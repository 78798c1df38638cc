package logging_test

import (
	"relkeeper/internal/infra/persistence/memory"
	"relkeeper/pkg/domain"
)

func logMapping() *domain.Mapping {
	return domain.NewMappingBuilder().
		Class("Note").Property("Text", domain.TypeString).
		Builder().
		MustBuild()
}

func memoryStore() *memory.Store { return memory.NewStore() }
