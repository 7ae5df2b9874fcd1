//go:build !debug

package exporter

const defaultPageSize = 1000
