package lodo

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// DType used in the models.
var DType = dtypes.Float32

// ValidModels is the list of model types supported: the user can also inject
// new custom models here before calling Run.
//
// Every model takes the padded token ids and the domain slot ids as inputs and
// returns one sentiment logit per example.
var ValidModels = map[string]train.ModelFn{
	"bow":         BagOfWordsModelGraph,
	"transformer": TransformerModelGraph,
}

// ParamUseDomain gates the domain embedding. It is true during training and
// set to false for held-out evaluation, where the domain of an example was
// never seen in training and its embedding carries no signal.
//
// Gating multiplies the embedding by zero instead of removing it, so the model
// graph (and its checkpoint) is identical in both modes.
const ParamUseDomain = "use_domain"

// EmbedTokensGraph creates embeddings for tokens and returns them along with the mask of used tokens --
// set to false where padding was used.
//
// - tokens: padded (at the start) tokens shaped (int32)[batch_size, content_len].
//
// Outputs:
//
// - embed: shaped [batch_size, content_len, <token_embedding_size>].
// - mask: shaped (bool)[batch_size, content_len], indicates where tokens were padded.
func EmbedTokensGraph(ctx *context.Context, tokens *Node) (embed, mask *Node) {
	g := tokens.Graph()
	mask = NotEqual(tokens, ZerosLike(tokens)) // Mask of tokens actually used.

	// The token ids are indexed by frequency. Truncate to the vocabulary size considered, clamping
	// ids at or beyond it to the last id kept.
	maxVocab := context.GetParamOr(ctx, "vocab_size", 0)
	if maxVocab == 0 {
		exceptions.Panicf(`parameter "vocab_size" must be set to the corpus vocabulary size`)
	}
	maxVocab = min(maxVocab, context.GetParamOr(ctx, "max_vocab", 20_000))

	// Limits tokens to the maxVocab.
	tokens = Where(GreaterOrEqual(tokens, Scalar(g, dtypes.Int32, float64(maxVocab))),
		MulScalar(OnesLike(tokens), float64(maxVocab-1)),
		tokens)

	// Embed tokens: shape=[batchSize, maxLen, embedDim]
	tokensEmbedSize := context.GetParamOr(ctx, "token_embedding_size", 32)
	embed = layers.Embedding(ctx.In("tokens"), tokens, DType, maxVocab, tokensEmbedSize, false)
	embed = Where(BroadcastToShape(mask, embed.Shape()), embed, ZerosLike(embed))
	return
}

// DomainEmbedGraph embeds the domain slot ids, shaped (int32)[batch_size].
//
// Output is shaped [batch_size, <domain_embedding_size>] and is all zeros when
// ParamUseDomain is false.
func DomainEmbedGraph(ctx *context.Context, domains *Node) *Node {
	numDomains := context.GetParamOr(ctx, "num_domains", 0)
	if numDomains == 0 {
		exceptions.Panicf(`parameter "num_domains" must be set to the number of domain slots of the fold`)
	}
	domainEmbedSize := context.GetParamOr(ctx, "domain_embedding_size", 8)
	embed := layers.Embedding(ctx.In("domains"), domains, DType, numDomains, domainEmbedSize, false)
	if !context.GetParamOr(ctx, ParamUseDomain, true) {
		embed = ZerosLike(embed)
	}
	return embed
}

// BagOfWordsModelGraph builds the computation graph for the "bag of words" model: the max over the token
// embeddings, concatenated with the domain embedding, with an FNN on top.
func BagOfWordsModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	tokens, domains := inputs[0], inputs[1]
	LinearScheduleFromContext(ctx, tokens.Graph(), DType)

	embed, _ := EmbedTokensGraph(ctx, tokens)

	// Shape transformation: [batch_size, content_len, embed_size] -> [batch_size, embed_size]
	embed = ReduceMax(embed, 1)
	embed = Concatenate([]*Node{embed, DomainEmbedGraph(ctx, domains)}, -1)
	logits := fnn.New(ctx, embed, 1).Done()
	return []*Node{logits}
}

// TransformerModelGraph is the part of the model that takes the word/token embeddings to a transformed
// embedding through attention, pooled and read out together with the domain embedding.
func TransformerModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	tokens, domains := inputs[0], inputs[1]
	LinearScheduleFromContext(ctx, tokens.Graph(), DType)

	embed, mask := EmbedTokensGraph(ctx, tokens)
	embed.AssertRank(3)
	batchSize := embed.Shape().Dimensions[0]

	newEmbed := TransformerLayers(ctx.In("transformer"), embed, mask)
	embed = Add(embed, newEmbed)

	// Take the max over the content length, and put an FNN on top.
	// Shape transformation: [batch_size, content_len, embed_size] -> [batch_size, embed_size]
	pooled := ReduceMax(embed, 1)
	pooled = Concatenate([]*Node{pooled, DomainEmbedGraph(ctx, domains)}, -1)
	logits := fnn.New(ctx, pooled, 1).Done()
	logits.AssertDims(batchSize, 1)
	return []*Node{logits}
}

// TransformerLayers builds the stacked transformer layers for the model.
func TransformerLayers(ctx *context.Context, embed, mask *Node) *Node {
	g := embed.Graph()
	shape := embed.Shape()
	dtype := embed.DType()
	embedSize := shape.Dimensions[2]

	// Dropout.
	dropoutRate := context.GetParamOr(ctx, "transformer_dropout_rate", -1.0)
	if dropoutRate < 0 {
		dropoutRate = context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	}
	var dropoutNode *Node
	if dropoutRate > 0.0 {
		dropoutNode = Scalar(g, dtype, dropoutRate)
	}

	// Create positional embedding variable: it is 1 in every axis, but for the
	// sequence dimension -- there will be one embedding per position.
	// Shape: [1, maxLen, embedSize]
	posEmbedShape := shape.Clone()
	posEmbedShape.Dimensions[0] = 1
	posEmbedVar := ctx.VariableWithShape("positional", posEmbedShape)
	posEmbed := posEmbedVar.ValueGraph(g)
	embed = Add(embed, posEmbed) // Just add the embeddings, seems to work well.

	// Add the requested number of attention layers.
	numAttLayers := context.GetParamOr(ctx, "transformer_num_att_layers", 1)
	numAttHeads := context.GetParamOr(ctx, "transformer_num_att_heads", 2)
	attKeySize := context.GetParamOr(ctx, "transformer_att_key_size", 8)
	for layerNum := range numAttLayers {
		// Each layer in its own scope.
		ctx := ctx.Inf("%03d_attention_layer", layerNum)
		residual := embed
		embed = attention.MultiHeadAttention(ctx.In("000_attention"), embed, embed, embed, numAttHeads, attKeySize).
			WithKeyMask(mask).WithQueryMask(mask).
			WithOutputDim(embedSize).
			WithValueHeadDim(embedSize).Done()
		if dropoutNode != nil {
			embed = layers.Dropout(ctx.In("001_dropout"), embed, dropoutNode)
		}
		embed = normalizeSequence(ctx.In("002_normalization"), embed)
		attentionOutput := embed

		// Transformers recipe: 2 dense layers after attention.
		embed = fnn.New(ctx.In("003_fnn"), embed, embedSize).NumHiddenLayers(1, embedSize).Done()
		if dropoutNode != nil {
			embed = layers.Dropout(ctx.In("004_dropout"), embed, dropoutNode)
		}
		embed = Add(embed, attentionOutput)
		embed = normalizeSequence(ctx.In("005_normalization"), embed)

		// Residual connection:
		if layerNum > 0 {
			embed = Add(residual, embed)
		}
	}
	return embed
}

// normalizeSequence `x` according to "normalization" hyperparameter. Works for sequence nodes (rank-3).
func normalizeSequence(ctx *context.Context, x *Node) *Node {
	x.AssertRank(3) // [batch_size, content_length, embed_size]
	norm := context.GetParamOr(ctx, layers.ParamNormalization, "")
	switch norm {
	case "layer":
		return layers.LayerNormalization(ctx, x, -2).
			LearnedOffset(true).LearnedGain(true).ScaleNormalization(true).Done()
	case "batch":
		return batchnorm.New(ctx, x, -1).Done()
	case "none", "":
		return x
	}
	exceptions.Panicf(`invalid normalization selected %q -- valid values are "batch", "layer", "none" or ""`, norm)
	return nil
}
