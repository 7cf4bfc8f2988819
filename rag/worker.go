package rag

import (
	"runtime"

	"github.com/panjf2000/ants/v2"
)

// ingestPool is the slice of ants.Pool the service uses. Tests swap in a
// synchronous pool so ingestion runs inline.
type ingestPool interface {
	Submit(task func()) error
	Release()
}

// newWorkerPoolFromEnv sizes the ingestion pool from RAG_WORKERS, defaulting
// to half the CPUs with a floor of one worker.
func newWorkerPoolFromEnv() (ingestPool, error) {
	size := envInt("RAG_WORKERS", 0)
	if size < 1 {
		size = runtime.NumCPU() / 2
	}
	if size < 1 {
		size = 1
	}
	return ants.NewPool(size)
}
