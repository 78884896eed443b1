package asr

import "github.com/malcolmhoward/dawn/pkg/types"

// Transcript, WordDetail and KeywordBoost are aliases onto the shared
// pkg/types definitions so that SessionHandle's Partials/Finals channels
// (typed in terms of types.Transcript) and the transcript-correction and
// test-double code in this package (typed in terms of asr.Transcript) name
// the same underlying type.
type (
	Transcript   = types.Transcript
	WordDetail   = types.WordDetail
	KeywordBoost = types.KeywordBoost
)
