package exporter

// paginate splits messages into an inline first page and the remaining data
// pages. single keeps everything on the first page.
func paginate(messages []string, pageSize int, single bool) (first []string, rest [][]string) {
	if single || pageSize <= 0 || len(messages) <= pageSize {
		return messages, nil
	}
	first = messages[:pageSize]
	for tail := messages[pageSize:]; len(tail) > 0; {
		n := min(pageSize, len(tail))
		rest = append(rest, tail[:n])
		tail = tail[n:]
	}
	return first, rest
}
