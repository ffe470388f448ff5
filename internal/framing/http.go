package framing

// HTTPMethods lists the request methods the inspection engine
// recognizes as "this is HTTP, not MQTT."
var HTTPMethods = []string{
	"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH", "CONNECT", "TRACE",
}

// LooksLikeHTTP is a non-blocking quick-check over already-buffered
// bytes: true iff buf starts with one of HTTPMethods immediately
// followed by a space. It never allocates and never looks past the
// method name plus one byte.
func LooksLikeHTTP(buf []byte) bool {
	for _, method := range HTTPMethods {
		if len(buf) > len(method) && string(buf[:len(method)]) == method && buf[len(method)] == ' ' {
			return true
		}
	}
	return false
}
