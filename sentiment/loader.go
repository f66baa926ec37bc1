/*
 *	Copyright 2026 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package sentiment

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BinaryFile is the name of the preprocessed (tokenized) binary cache, saved
// under the corpus directory.
const BinaryFile = "multidomain.bin"

// Load reads the corpora for the given domains from baseDir and tokenizes them
// against one shared vocabulary, sorted by token frequency.
//
// Each domain is a file "{baseDir}/{domain}.tsv" with one review per line,
// formatted as "{label}\t{text}", label being 0 (negative) or 1 (positive).
//
// The tokenized corpus is cached in a binary file under baseDir; the cache is
// reused on following calls if it was built for the same domains.
func Load(baseDir string, domainNames []string) (*Registry, error) {
	reg, err := loadBinary(baseDir, domainNames)
	if err != nil {
		return nil, err
	}
	if reg != nil {
		fmt.Printf("Loaded preprocessed data from %q: %d domains, %d unique tokens, %d tokens in total.\n",
			BinaryFile, reg.NumDomains(), reg.Vocab().Len(), reg.Vocab().TotalCount)
		return reg, nil
	}

	vocab := NewVocab()
	domains := make([]*Domain, 0, len(domainNames))
	for _, name := range domainNames {
		domain, err := loadDomainFile(path.Join(baseDir, name+".tsv"), name, vocab)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("domain %q: %d examples", name, len(domain.Examples))
		domains = append(domains, domain)
	}

	// Sort token ids by their frequencies and remap the already tokenized contents.
	oldIDToNewID := vocab.SortByFrequency()
	for _, domain := range domains {
		for _, e := range domain.Examples {
			for ii, oldID := range e.Content {
				e.Content[ii] = int32(oldIDToNewID[int(oldID)])
			}
		}
	}

	reg, err = NewRegistry(vocab, domains)
	if err != nil {
		return nil, err
	}
	if err := saveBinary(baseDir, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func loadDomainFile(filePath, name string, vocab *Vocab) (*Domain, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read domain %q", name)
	}
	defer func() { _ = f.Close() }()

	domain := &Domain{Name: name}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		labelStr, text, found := strings.Cut(line, "\t")
		if !found {
			return nil, errors.Errorf("domain %q: line %d is not \"label<TAB>text\"", name, lineNum)
		}
		label, err := strconv.Atoi(labelStr)
		if err != nil || (label != 0 && label != 1) {
			return nil, errors.Errorf("domain %q: line %d has invalid label %q, must be 0 or 1", name, lineNum, labelStr)
		}
		e := NewExample([]byte(text), vocab)
		e.Label = label
		domain.Examples = append(domain.Examples, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read domain %q", name)
	}
	return domain, nil
}

// loadBinary returns a nil Registry (and no error) if there is no usable cache.
func loadBinary(baseDir string, domainNames []string) (*Registry, error) {
	f, err := os.Open(path.Join(baseDir, BinaryFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed loadBinary(%q) while opening file", BinaryFile)
	}
	defer func() { _ = f.Close() }()

	// Check that the configuration matches.
	dec := gob.NewDecoder(f)
	var cachedCaseSensitive bool
	var cachedDomains []string
	if err := dec.Decode(&cachedCaseSensitive); err != nil {
		return nil, errors.Wrapf(err, "failed loadBinary(%q) while reading", BinaryFile)
	}
	if err := dec.Decode(&cachedDomains); err != nil {
		return nil, errors.Wrapf(err, "failed loadBinary(%q) while reading", BinaryFile)
	}
	if cachedCaseSensitive != CaseSensitive || !slices.Equal(cachedDomains, domainNames) {
		// Cache was built with a different configuration, force regeneration.
		return nil, nil
	}

	var vocab *Vocab
	var domains []*Domain
	if err := dec.Decode(&vocab); err != nil {
		return nil, errors.Wrapf(err, "failed loadBinary(%q) while reading", BinaryFile)
	}
	if err := dec.Decode(&domains); err != nil {
		return nil, errors.Wrapf(err, "failed loadBinary(%q) while reading", BinaryFile)
	}
	return NewRegistry(vocab, domains)
}

func saveBinary(baseDir string, reg *Registry) error {
	fmt.Println("> Saving preprocessed binary file.")
	f, err := os.Create(path.Join(baseDir, BinaryFile))
	if err != nil {
		return errors.Wrapf(err, "failed to saveBinary(%q)", BinaryFile)
	}
	closed := false
	defer func() {
		if !closed {
			_ = f.Close()
		}
	}()

	// Save configuration.
	enc := gob.NewEncoder(f)
	if err := enc.Encode(CaseSensitive); err != nil {
		return errors.Wrapf(err, "failed saveBinary(%q) while writing", BinaryFile)
	}
	if err := enc.Encode(reg.Names()); err != nil {
		return errors.Wrapf(err, "failed saveBinary(%q) while writing", BinaryFile)
	}

	if err := enc.Encode(reg.Vocab()); err != nil {
		return errors.Wrapf(err, "failed saveBinary(%q) while writing", BinaryFile)
	}
	if err := enc.Encode(reg.domains); err != nil {
		return errors.Wrapf(err, "failed saveBinary(%q) while writing", BinaryFile)
	}

	// Report back result of close.
	err = f.Close()
	closed = true
	return err
}
