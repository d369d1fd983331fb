// Package digestindex implements an in-memory membership index for large sets
// of MD5 digests, such as the NIST NSRL Reference Data Set.
//
// A corpus is a text file with one 32-character hexadecimal digest per line.
// It is loaded once at startup, sorted, and then queried by binary search
// any number of times, from any number of goroutines.
//
// # Basic Usage
//
// Loading and building an index:
//
//	ids, stats, err := digestindex.LoadFile("hashes.txt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	idx, err := digestindex.Build(ids)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("%d identifiers, %d malformed lines\n", idx.Len(), stats.Malformed)
//
// Querying an index:
//
//	found, err := idx.Lookup("d41d8cd98f00b204e9800998ecf8427e")
//	if err != nil {
//	    log.Fatal(err) // not a 32-character hex digest
//	}
//
// # Lifecycle
//
// A Builder is the Building state: mutable, not queryable. Builder.Finish
// (or Build) sorts the identifiers and returns an Index, the Ready state:
// immutable and queryable. There is no way back from Ready to Building, and
// no way to obtain an Index that has not been sorted.
//
// # Package Structure
//
//   - Identifiers: identifier.go (Identifier, ParseIdentifier, IsIdentifier)
//   - Loading: loader.go (Load, LoadFile, LoadStats), decompress.go, mmap_source.go
//   - Construction: builder.go (Builder, Build), builder_options.go (BuildOption, LoadOption)
//   - Queries: index.go (Index.Contains, Lookup, Verify), export.go (WriteTo)
//   - Errors: errors/ (sentinels shared with server/ and client/)
//   - Platform: fadvise_*.go (OS-specific read hints)
package digestindex
