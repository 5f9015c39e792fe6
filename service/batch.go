package service

import (
	"sync/atomic"
)

// SubmitAll submits every request and joins their completions. each is called
// once per request and done once after all of them, both on exec.
func (e *Engine) SubmitAll(reqs []Request, exec Executor, each func(i int, o Outcome), done func([]Outcome)) {
	results := make([]Outcome, len(reqs))
	if len(reqs) == 0 {
		exec.Execute(func() { done(results) })
		return
	}

	var remaining atomic.Int64
	remaining.Store(int64(len(reqs)))
	for i, req := range reqs {
		e.Submit(req, exec, func(o Outcome) {
			results[i] = o
			if each != nil {
				each(i, o)
			}
			if remaining.Add(-1) == 0 {
				done(results)
			}
		})
	}
}
