// Package codec turns captured HTTP bodies into text.
//
// It undoes the content codings seen on LLM API traffic (gzip, deflate, br),
// classifies the result as text or binary, and renders a bounded display form
// for bodies that are not shown as conversation turns.
package codec
