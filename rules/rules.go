//go:build ruleguard

// Package gorules defines custom linter rules for recordmigrate.
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// EnhancedErrors flags errors created with the standard library inside
// internal packages. Errors crossing a component boundary carry a
// component and category:
//
//	errors.New(err).Component("lineage").Category(errors.CategoryDatabase).Build()
//
// Sentinels use errors.NewStd from internal/errors.
func EnhancedErrors(m dsl.Matcher) {
	m.Import("errors")

	m.Match(`errors.New($msg)`).
		Where(m["msg"].Type.Is("string") &&
			m.File().Imports("errors") &&
			m.File().PkgPath.Matches(`/internal/`) &&
			!m.File().Name.Matches(`_test\.go$`)).
		Report("use internal/errors: errors.NewStd for sentinels or the errors.New(err) builder")
}

// StructuredLogging flags printing from library code. Output goes
// through the module logger so it honours the configured level and
// file output.
func StructuredLogging(m dsl.Matcher) {
	m.Match(
		`log.Printf($*_)`, `log.Println($*_)`, `log.Print($*_)`,
		`fmt.Printf($*_)`, `fmt.Println($*_)`, `fmt.Print($*_)`,
	).
		Where(m.File().PkgPath.Matches(`/internal/`) && !m.File().Name.Matches(`_test\.go$`)).
		Report("use the module logger instead of printing")
}

// InjectedClock flags wall clock reads in the stores. Lineage,
// quarantine and conflict timestamps come from the configured clock so
// tests can drive reservation expiry and retry backoff.
func InjectedClock(m dsl.Matcher) {
	m.Match(`time.Now()`).
		Where(m.File().PkgPath.Matches(`/internal/(lineage|quarantine|conflict|snapshot)$`) &&
			!m.File().Name.Matches(`_test\.go$`)).
		Report("use the injected now() clock")
}

// RecordNotFound flags direct comparison with gorm.ErrRecordNotFound,
// which misses wrapped errors.
func RecordNotFound(m dsl.Matcher) {
	m.Match(`$err == gorm.ErrRecordNotFound`).
		Report("use errors.Is($err, gorm.ErrRecordNotFound)").
		Suggest("errors.Is($err, gorm.ErrRecordNotFound)")

	m.Match(`$err != gorm.ErrRecordNotFound`).
		Report("use !errors.Is($err, gorm.ErrRecordNotFound)").
		Suggest("!errors.Is($err, gorm.ErrRecordNotFound)")
}

// WaitGroupGo flags the Add/Done goroutine pattern that wg.Go replaces.
//
//	wg.Add(1)
//	go func() {
//	    defer wg.Done()
//	    work()
//	}()
func WaitGroupGo(m dsl.Matcher) {
	m.Match(`$wg.Add(1); go func() { defer $wg.Done(); $*body }()`).
		Where(m["wg"].Type.Is("*sync.WaitGroup") || m["wg"].Type.Is("sync.WaitGroup")).
		Report("use $wg.Go(func() { $body }) instead of manual Add/Done").
		Suggest("$wg.Go(func() { $body })")
}

// BenchmarkLoop flags b.N loops that b.Loop replaces.
func BenchmarkLoop(m dsl.Matcher) {
	m.Match(`for $i := 0; $i < $b.N; $i++ { $*body }`, `for range $b.N { $*body }`).
		Where(m["b"].Type.Is("*testing.B")).
		Report("use for $b.Loop() { ... }")
}
