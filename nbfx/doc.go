// Package nbfx decodes the compact binary element framing used by the
// charger cloud service bus. It is the small subset of .NET Binary XML
// (MC-NBFX) records that the vendor backend actually emits.
//
// Features:
// - single pass over an in-memory buffer, no reader state between calls
// - strict: every defect in the input is a distinct error with byte offset
// - flat element sequence, attribute and text per element
// - inverse Encode for fixtures and diagnostics
//
// Out of scope:
// - nested elements. Backend never sends them, decoder rejects them.
// - dictionary strings, arrays, MTOM and the rest of the record zoo
// - interpretation of element text. Caller parses the JSON inside.
package nbfx
