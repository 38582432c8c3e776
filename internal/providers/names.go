package providers

// Tool name translation between the canonical catalog and provider-native
// vocabularies. The anthropic surface already uses the canonical names; the
// openai surface historically shipped shorter function names that the mobile
// client's renderers key off, so both directions stay table-driven.

var openaiNativeNames = map[string]string{
	"bash":                        "shell",
	"str_replace_based_edit_tool": "file_editor",
	"web_search":                  "web_search",
	"work_plan":                   "work_plan",
}

var openaiCanonicalNames = invert(openaiNativeNames)

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// openaiToolName maps a canonical name to the openai function name.
func openaiToolName(canonical string) string {
	if native, ok := openaiNativeNames[canonical]; ok {
		return native
	}
	return canonical
}

// canonicalToolName maps an openai function name back to the catalog name.
func canonicalToolName(native string) string {
	if canonical, ok := openaiCanonicalNames[native]; ok {
		return canonical
	}
	return native
}
