package wechat

import "strings"

const mmkvDir = "Documents/MMappedKV/"

// Media folders under Documents/<account>/ that are only needed when
// records are exported, not when accounts and conversations are listed.
var mediaDirs = []string{
	"/Audio/",
	"/Img/",
	"/OpenData/",
	"/Video/",
	"/appicon/",
	"/translate/",
	"/Brand/",
	"/Pattern_v3/",
	"/WCPay/",
}

// LoadingFilter keeps the index entries a listing pass needs. It drops the
// bulky media trees so loading a large backup stays fast.
func LoadingFilter(path string, flags uint32) bool {
	if rest, ok := strings.CutPrefix(path, mmkvDir); ok {
		return strings.HasPrefix(rest, "mmsetting")
	}
	if strings.HasPrefix(path, "Documents/MapDocument/") || strings.HasPrefix(path, "Library/WebKit/") {
		return false
	}
	first := strings.IndexByte(path, '/')
	if first < 0 {
		return true
	}
	second := strings.IndexByte(path[first+1:], '/')
	if second < 0 {
		return true
	}
	rest := path[first+1+second:]
	for _, dir := range mediaDirs {
		if strings.HasPrefix(rest, dir) {
			return false
		}
	}
	return true
}
