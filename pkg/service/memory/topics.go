package memory

import (
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// TopicExtractor derives topics from turn text. The extractor is a
// replaceable strategy: the default keyword matcher is intentionally coarse
// and a semantic extractor can be swapped in without touching the memory
// service.
type TopicExtractor interface {
	Extract(text string) ([]string, error)
}

// defaultVocabulary is the built-in topic keyword list
var defaultVocabulary = []string{
	"weather",
	"music",
	"schedule",
	"meeting",
	"reminder",
	"news",
	"time",
	"shopping",
	"travel",
	"food",
	"health",
	"sports",
	"work",
	"family",
	"email",
}

// KeywordExtractor matches a bounded vocabulary against lowercased text
type KeywordExtractor struct {
	vocabulary []string
}

// NewKeywordExtractor creates an extractor over the built-in vocabulary
func NewKeywordExtractor() *KeywordExtractor {
	return &KeywordExtractor{vocabulary: defaultVocabulary}
}

// NewKeywordExtractorFromFile loads the vocabulary from a YAML file with a
// top-level `topics` list
func NewKeywordExtractorFromFile(path string) (*KeywordExtractor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read vocabulary file", goerr.Value("path", path))
	}

	var doc struct {
		Topics []string `yaml:"topics"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, goerr.Wrap(err, "failed to parse vocabulary file", goerr.Value("path", path))
	}
	if len(doc.Topics) == 0 {
		return nil, goerr.New("vocabulary file has no topics", goerr.Value("path", path))
	}

	return &KeywordExtractor{vocabulary: doc.Topics}, nil
}

func (e *KeywordExtractor) Extract(text string) ([]string, error) {
	lowered := strings.ToLower(text)

	var topics []string
	for _, word := range e.vocabulary {
		if strings.Contains(lowered, strings.ToLower(word)) {
			topics = append(topics, word)
		}
	}
	return topics, nil
}
