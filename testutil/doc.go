// Package testutil provides shared helpers for building test
// institutions, encrypted updates and fast round configurations.
package testutil
