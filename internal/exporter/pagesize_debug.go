//go:build debug

package exporter

const defaultPageSize = 500
